package cluster

import (
	"sync"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/oklog/ulid/v2"
)

// voteRound is the state of a single vote-collection round: the server_list
// size snapshotted when vote collection began, and the channel closed once
// the collector is done.
type voteRound struct {
	quorumBase int
	done       chan struct{}
}

// voteCheck is the explicit single-slot coordination object that stands in
// for a named-thread lookup ("is there already a thread called Vote_Check
// running?"): the first inbound vote of a round becomes the collector,
// every later one just waits on the round the collector publishes.
type voteCheck struct {
	mu      sync.Mutex
	current *voteRound
}

// joinOrLead either claims collector duty for this round, returning the new
// round and lead=true, or reports that a collector is already active and
// returns the round it is working on.
func (v *voteCheck) joinOrLead(base int) (lead bool, round *voteRound) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current != nil {
		return false, v.current
	}
	v.current = &voteRound{quorumBase: base, done: make(chan struct{})}
	return true, v.current
}

func (v *voteCheck) finish(round *voteRound) {
	v.mu.Lock()
	defer v.mu.Unlock()
	close(round.done)
	if v.current == round {
		v.current = nil
	}
}

// discover runs one discovery round. It sleeps the initial dwell, probes
// every configured peer for its master, and either joins an observed
// master, retries, or proceeds to election.
func (p *Peer) discover() driverState {
	select {
	case <-p.stopCh:
		return stateOffline
	case <-time.After(initialDiscoveryDelay):
	}

	round := ulid.Make().String()
	logger := level.Debug(p.logger)
	logger.Log("msg", "starting discovery round", "round", round)

	serverList := p.ServerList()
	quorumBase := len(serverList)

	var mu sync.Mutex
	network := append([]string(nil), serverList...)
	masters := make(map[string]string, len(serverList))
	masters[p.ip] = orNone(p.Master())

	var wg sync.WaitGroup
	for _, sip := range serverList {
		if sip == p.ip {
			continue
		}
		sip := sip
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := p.call(sip, msgAskMaster)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				network = removeIP(network, sip)
				level.Debug(p.logger).Log("msg", "peer not found", "round", round, "peer", sip)
				return
			}
			masters[sip] = reply
			level.Debug(p.logger).Log("msg", "peer available", "round", round, "peer", sip, "master", reply)
		}()
	}
	wg.Wait()

	p.setNetwork(network)

	if len(network) < quorumThreshold(quorumBase) {
		level.Debug(p.logger).Log("msg", "insufficient network, retrying discovery", "round", round, "size", len(network))
		return p.retryFindNetwork()
	}

	activeMaster := checkNetworkMasters(masters)
	if activeMaster != "" {
		if containsIP(network, activeMaster) {
			p.setMaster(activeMaster)
			p.resetDiscoveryBackoff()
			return stateFollower
		}
		level.Debug(p.logger).Log("msg", "active master unreachable, retrying discovery", "round", round, "master", activeMaster)
		return p.retryFindNetwork()
	}

	deadline := time.Now().Add(voteTimeout)
	for p.requestCount() < len(network)-1 {
		if time.Now().After(deadline) {
			level.Debug(p.logger).Log("msg", "discovery stabilization timed out, retrying", "round", round)
			return p.retryFindNetwork()
		}
		select {
		case <-p.stopCh:
			return stateOffline
		case <-time.After(voteCheckPollInterval):
		}
	}

	level.Debug(p.logger).Log("msg", "no active master found, electing", "round", round)
	p.resetDiscoveryBackoff()
	return stateElecting
}

// retryFindNetwork performs a bounded, backoff-paced retry of discovery,
// shutting down once the attempt count reaches maxNetworkAttempts.
func (p *Peer) retryFindNetwork() driverState {
	p.metrics.discoveryRetries.Inc()
	attempts := p.incNetworkAttempts()
	if attempts >= maxNetworkAttempts {
		level.Info(p.logger).Log("msg", "maximum discovery attempts exceeded, shutting down")
		p.Shutdown()
		return stateOffline
	}
	if !p.waitDiscoveryBackoff() {
		return stateOffline
	}
	p.clearRequests()
	p.clearVotes()
	return stateDiscover
}

// checkNetworkMasters decides the active master from a set of per-peer
// reports: a master is active if strictly more than half of the collected
// reports name it; "None" wins the same way. Ties and no-majority both mean
// no active master.
func checkNetworkMasters(masters map[string]string) string {
	n := len(masters)
	if n == 0 {
		return ""
	}
	counts := make(map[string]int, n)
	for _, m := range masters {
		counts[m]++
	}
	if counts[replyMasterNone] > n/2 {
		return ""
	}
	for master, count := range counts {
		if master != replyMasterNone && count > n/2 {
			return master
		}
	}
	return ""
}

// maxLexicographic returns the textually-maximum IP in ips. This is
// deliberately string, not numeric, comparison: "127.0.0.9" > "127.0.0.10".
// That is almost certainly a latent bug in the Python coordinator this
// package replaces; kept here to match its behavior rather than fixed.
func maxLexicographic(ips []string) string {
	max := ""
	for i, ip := range ips {
		if i == 0 || ip > max {
			max = ip
		}
	}
	return max
}

// calcMaster runs one election round. The candidate is the
// textually-maximum IP in the current network.
func (p *Peer) calcMaster() driverState {
	network := p.Network()
	candidate := maxLexicographic(network)

	if candidate == p.ip {
		p.addVote(p.ip)
		select {
		case <-p.stopCh:
			return stateOffline
		case <-time.After(voteTimeout):
		}
		if p.voteCount() < 2 {
			level.Info(p.logger).Log("msg", "no votes received by deadline, shutting down")
			p.Shutdown()
			return stateOffline
		}
		// Enough votes arrived in the meantime: the inbound vote handler
		// that collected them has already evaluated quorum and, if this
		// peer won, started the master-side ping-check on its own.
		return stateHandoff
	}

	reply, err := p.call(candidate, msgVotePrefix+p.ip)
	if err != nil {
		level.Debug(p.logger).Log("msg", "candidate unreachable, restarting discovery", "candidate", candidate)
		p.clearRequests()
		p.clearVotes()
		return stateDiscover
	}
	switch reply {
	case replyMasterConfirmed:
		p.setMaster(candidate)
		p.resetDiscoveryBackoff()
		return stateFollower
	case replyMasterDeclined:
		level.Debug(p.logger).Log("msg", "candidacy declined, restarting discovery", "candidate", candidate)
		p.clearRequests()
		p.clearVotes()
		return stateDiscover
	default:
		level.Warn(p.logger).Log("msg", "unexpected reply to vote", "candidate", candidate, "reply", reply)
		p.clearRequests()
		p.clearVotes()
		return stateDiscover
	}
}

// handleVote answers an inbound vote request: append the vote,
// collect (or wait for the collector to finish), then evaluate quorum
// against the server_list size snapshotted when collection began.
func (p *Peer) handleVote(voterIP string) string {
	p.addVote(voterIP)

	lead, round := p.vcheck.joinOrLead(len(p.ServerList()))

	if lead {
		deadline := time.Now().Add(voteTimeout)
	collect:
		for p.voteCount() < len(p.Network()) && time.Now().Before(deadline) {
			select {
			case <-p.stopCh:
				break collect
			case <-time.After(voteCheckPollInterval):
			}
		}
		p.vcheck.finish(round)
	} else {
		<-round.done
	}

	if p.voteCount() >= quorumThreshold(round.quorumBase) {
		// Every handler that sees quorum answers confirmed, but only the
		// first one promotes this peer and starts the ping-check.
		p.vcheck.mu.Lock()
		promote := p.Master() != p.ip
		if promote {
			p.setMaster(p.ip)
		}
		p.vcheck.mu.Unlock()
		if promote {
			level.Info(p.logger).Log("msg", "quorum reached, becoming master")
			p.initPingTargets()
			p.metrics.electionsWon.Inc()
			go p.runPingCheck()
		}
		return replyMasterConfirmed
	}

	level.Info(p.logger).Log("msg", "quorum not reached, declining vote and shutting down")
	p.metrics.electionsLost.Inc()
	p.Shutdown()
	return replyMasterDeclined
}
