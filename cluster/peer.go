// Package cluster implements the peer coordination engine: discovery of
// reachable peers, master election under a quorum constraint, and failure
// detection via periodic pings, tied together by a small state machine.
//
// A Peer never learns its membership dynamically — server_list is
// configured by the operator (see AddServer/RemoveServer) — and never
// tolerates a partition below quorum: when fewer than a majority of the
// configured list is reachable, every remaining peer shuts itself down
// rather than risk two masters.
package cluster

import (
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Port-derivation constants, and the discovery retry bound.
const (
	basePort           = 20000
	baseUID            = 1000
	portStride         = 50
	maxNetworkAttempts = 3
)

// Timing knobs, given the values the coordination protocol was authored
// against. They are package-level vars rather than consts so tests can
// shrink them instead of running at production cadence.
var (
	initialDiscoveryDelay   = 10 * time.Second
	voteTimeout             = 20 * time.Second
	voteCheckPollInterval   = 1 * time.Second
	followerPingInterval    = 6 * time.Second
	masterPingCheckInterval = 15 * time.Second

	discoveryBackoffInitial = 2 * time.Second
	discoveryBackoffMax     = 30 * time.Second
)

// Wire message vocabulary, verbatim from the protocol.
const (
	msgAskMaster  = "Your master?"
	msgVotePrefix = "vote = "
	msgPingPrefix = "ip = "
	msgDisconnect = "!DISCONNECT"

	replyMasterNone      = "None"
	replyMasterConfirmed = "The master has been confirmed"
	replyMasterDeclined  = "The master has been declined"
	replyPingReceived    = "Ping received"
	replyDisconnect      = "Disconnect received"
	replyUnknown         = "recieved something" // legacy spelling is part of the protocol
)

// driverState is the peer's position in the discovery/election/follower
// state machine.
type driverState int

const (
	stateDiscover driverState = iota
	stateElecting
	stateFollower
	stateOffline
	// stateHandoff means a concurrent inbound vote handler already decided
	// this peer's fate (won or lost the election) and launched whatever
	// follows; the driver goroutine that was blocked in calcMaster should
	// simply stop running, not re-evaluate or restart anything.
	stateHandoff
)

// Peer is a single instance of the coordination engine: one process
// cooperating with others over the wire protocol in codec.go to elect and
// track a master.
type Peer struct {
	ip   string
	port int

	mu                sync.RWMutex
	serverList        []string
	defaultServerList []string // snapshot taken at New, restored by Restart
	network           []string
	master            string // "" means no master
	networkAttempts   int
	online            bool
	startTime         time.Time

	requestsMu sync.Mutex
	requests   map[string]struct{}

	votesMu sync.Mutex
	votes   map[string]struct{}
	vcheck  voteCheck

	pingMu      sync.Mutex
	pingTargets map[string]int

	listener net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once

	discoveryBackoffMu sync.Mutex
	discoveryBackoff   *backoff.ExponentialBackOff

	logger  log.Logger
	metrics *peerMetrics
}

// New constructs a peer bound to ip. The listen port is derived
// deterministically from the invoking OS user so that co-tenants on one
// host do not collide: port = 20000 + (uid-1000)*50.
func New(ip string, serverList []string, logger log.Logger, reg prometheus.Registerer) (*Peer, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &Peer{
		ip:                ip,
		port:              portForUID(os.Getuid()),
		serverList:        append([]string(nil), serverList...),
		defaultServerList: append([]string(nil), serverList...),
		requests:          make(map[string]struct{}),
		votes:            make(map[string]struct{}),
		pingTargets:      make(map[string]int),
		stopCh:           make(chan struct{}),
		discoveryBackoff: newDiscoveryBackoff(),
		logger:           log.With(logger, "component", "cluster", "ip", ip),
	}
	p.metrics = newPeerMetrics(reg, p)

	l, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(p.port)))
	if err != nil {
		return nil, errors.Wrap(err, "bind listener")
	}
	p.listener = l
	p.startTime = time.Now()
	p.online = true
	return p, nil
}

func portForUID(uid int) int {
	if uid < baseUID {
		uid = baseUID
	}
	return basePort + (uid-baseUID)*portStride
}

// newDiscoveryBackoff paces retryFindNetwork's reattempts: each
// failed discovery round waits longer than the last, capped well under the
// shutdown threshold implied by maxNetworkAttempts.
func newDiscoveryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = discoveryBackoffInitial
	b.Multiplier = 2
	b.MaxInterval = discoveryBackoffMax
	b.MaxElapsedTime = 0
	return b
}

// Start runs the accept loop and the discovery driver until Shutdown is
// called or the listener fails fatally. It is the long-lived activity of
// the peer and returns when the accept loop ends; if the listener was closed
// without Shutdown, the peer is still marked online at that point.
func (p *Peer) Start() {
	level.Debug(p.logger).Log("msg", "peer starting", "port", p.port)
	go p.drive(stateDiscover)
	p.serve()
	level.Debug(p.logger).Log("msg", "peer shutting down")
}

// Shutdown is idempotent: it signals every shutdown-aware wait in the
// engine, marks the peer offline, clears the master view, and closes the
// listener socket, which ends the accept loop and lets Start return.
func (p *Peer) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		p.online = false
		p.master = ""
		p.mu.Unlock()
		_ = p.listener.Close()
		level.Info(p.logger).Log("msg", "shutdown signalled")
	})
}

// Restart rebuilds a fresh socket, shutdown signal, and ephemeral state,
// then runs Start again. Failure to rebind the socket leaves the peer
// offline rather than panicking.
func (p *Peer) Restart() error {
	l, err := net.Listen("tcp", net.JoinHostPort(p.ip, strconv.Itoa(p.port)))
	if err != nil {
		p.mu.Lock()
		p.online = false
		p.mu.Unlock()
		return errors.Wrap(err, "rebind listener on restart")
	}

	p.mu.Lock()
	p.listener = l
	p.stopCh = make(chan struct{})
	p.stopOnce = sync.Once{}
	p.startTime = time.Now()
	p.online = true
	p.networkAttempts = 0
	p.master = ""
	p.network = nil
	p.serverList = append([]string(nil), p.defaultServerList...)
	p.mu.Unlock()

	p.discoveryBackoffMu.Lock()
	p.discoveryBackoff = newDiscoveryBackoff()
	p.discoveryBackoffMu.Unlock()

	p.requestsMu.Lock()
	p.requests = make(map[string]struct{})
	p.requestsMu.Unlock()

	p.votesMu.Lock()
	p.votes = make(map[string]struct{})
	p.votesMu.Unlock()

	p.pingMu.Lock()
	p.pingTargets = make(map[string]int)
	p.pingMu.Unlock()

	p.Start()
	return nil
}

// IsOnline reports whether the peer considers itself online.
func (p *Peer) IsOnline() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online
}

// Master returns the IP of the current master, or "" if none.
func (p *Peer) Master() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.master
}

// Network returns the subset of ServerList currently believed reachable.
func (p *Peer) Network() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.network...)
}

// ServerList returns the configured membership.
func (p *Peer) ServerList() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.serverList...)
}

// StartTime returns when the peer was started (or last restarted).
func (p *Peer) StartTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.startTime
}

// AddServer adds ip to the configured membership. This may invalidate the
// live network view; it takes effect at the next discovery round.
func (p *Peer) AddServer(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.serverList {
		if s == ip {
			return
		}
	}
	p.serverList = append(p.serverList, ip)
}

// RemoveServer removes ip from the configured membership.
func (p *Peer) RemoveServer(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.serverList[:0]
	for _, s := range p.serverList {
		if s != ip {
			out = append(out, s)
		}
	}
	p.serverList = out
}

func (p *Peer) setMaster(ip string) {
	p.mu.Lock()
	changed := p.master != ip
	p.master = ip
	p.mu.Unlock()
	if changed {
		p.metrics.masterTransitions.Inc()
		level.Info(p.logger).Log("msg", "master changed", "master", ip)
	}
}

func (p *Peer) clearMaster() {
	p.mu.Lock()
	p.master = ""
	p.mu.Unlock()
}

func (p *Peer) setNetwork(network []string) {
	p.mu.Lock()
	p.network = append([]string(nil), network...)
	p.mu.Unlock()
}

func (p *Peer) appendNetwork(ip string) {
	p.mu.Lock()
	for _, s := range p.network {
		if s == ip {
			p.mu.Unlock()
			return
		}
	}
	p.network = append(p.network, ip)
	p.mu.Unlock()
}

func (p *Peer) incNetworkAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.networkAttempts++
	return p.networkAttempts
}

func (p *Peer) resetNetworkAttempts() {
	p.mu.Lock()
	p.networkAttempts = 0
	p.mu.Unlock()
}

// drive runs the discovery/election/follower state machine as an explicit
// loop over driverState values rather than recursive calls, so a long-lived
// peer never grows an unbounded call stack. It terminates once the peer
// goes offline or a concurrent inbound vote handler hands off control
// (stateHandoff).
func (p *Peer) drive(state driverState) {
	for p.IsOnline() {
		switch state {
		case stateDiscover:
			state = p.discover()
		case stateElecting:
			state = p.calcMaster()
		case stateFollower:
			state = p.runPingLoop()
		case stateOffline, stateHandoff:
			return
		default:
			return
		}
	}
}

func (p *Peer) addRequest(ip string) {
	p.requestsMu.Lock()
	p.requests[ip] = struct{}{}
	p.requestsMu.Unlock()
}

func (p *Peer) requestCount() int {
	p.requestsMu.Lock()
	defer p.requestsMu.Unlock()
	return len(p.requests)
}

func (p *Peer) clearRequests() {
	p.requestsMu.Lock()
	p.requests = make(map[string]struct{})
	p.requestsMu.Unlock()
}

func (p *Peer) addVote(ip string) {
	p.votesMu.Lock()
	p.votes[ip] = struct{}{}
	p.votesMu.Unlock()
}

func (p *Peer) voteCount() int {
	p.votesMu.Lock()
	defer p.votesMu.Unlock()
	return len(p.votes)
}

func (p *Peer) clearVotes() {
	p.votesMu.Lock()
	p.votes = make(map[string]struct{})
	p.votesMu.Unlock()
}

func quorumThreshold(serverListSize int) int {
	return serverListSize/2 + 1
}

// closeListener closes the raw listener socket without going through the
// full Shutdown/online-state machinery. Exercised only by tests that need
// to simulate a dead socket independently of a clean shutdown.
func (p *Peer) closeListener() error {
	return p.listener.Close()
}

func (p *Peer) resetDiscoveryBackoff() {
	p.discoveryBackoffMu.Lock()
	p.discoveryBackoff.Reset()
	p.discoveryBackoffMu.Unlock()
}

// waitDiscoveryBackoff sleeps the next backoff interval, or returns early if
// shutdown is signalled. It reports whether the peer is still online.
func (p *Peer) waitDiscoveryBackoff() bool {
	p.discoveryBackoffMu.Lock()
	d := p.discoveryBackoff.NextBackOff()
	p.discoveryBackoffMu.Unlock()

	select {
	case <-p.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
