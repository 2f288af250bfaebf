package cluster

import (
	"time"

	"github.com/go-kit/kit/log/level"
)

// initPingTargets seeds ping_targets with every peer currently in network,
// marked seen, right before a freshly-elected master starts its ping-check.
func (p *Peer) initPingTargets() {
	p.pingMu.Lock()
	defer p.pingMu.Unlock()
	p.pingTargets = make(map[string]int)
	for _, ip := range p.Network() {
		p.pingTargets[ip] = 1
	}
}

// recordPing marks ip as seen this window. It does not check whether this
// peer is master — that invariant is enforced upstream; a write here from a
// non-master is harmless.
func (p *Peer) recordPing(ip string) {
	p.pingMu.Lock()
	p.pingTargets[ip] = 1
	p.pingMu.Unlock()
}

// runPingLoop is the follower's steady state: every followerPingInterval,
// ping the current master. Any failure clears transient state and returns
// to discovery; shutdown exits cleanly.
func (p *Peer) runPingLoop() driverState {
	for {
		select {
		case <-p.stopCh:
			return stateOffline
		case <-time.After(followerPingInterval):
		}

		master := p.Master()
		if _, err := p.call(master, msgPingPrefix+p.ip); err != nil {
			p.metrics.pingFailures.Inc()
			level.Info(p.logger).Log("msg", "lost connection to master, restarting discovery", "master", master)
			p.resetNetworkAttempts()
			p.clearMaster()
			p.clearRequests()
			return stateDiscover
		}
	}
}

// runPingCheck is the master's steady state: every masterPingCheckInterval,
// require that at least quorum of server_list was seen this window, then
// reset the window. Any key present in ping_targets
// that isn't already in network is promoted into it — this is how the
// master learns of rejoiners, and this is preserved verbatim even for keys
// that were never in server_list.
//
// runPingCheck is launched as an independent goroutine by the inbound vote
// handler that won the election (see handleVote); it never hands control
// back to the discovery driver, since a master only ever leaves its role by
// shutting down.
func (p *Peer) runPingCheck() {
	for {
		select {
		case <-p.stopCh:
			return
		case <-time.After(masterPingCheckInterval):
		}

		p.pingMu.Lock()
		alive := 0
		for _, seen := range p.pingTargets {
			if seen == 1 {
				alive++
			}
		}
		quorum := quorumThreshold(len(p.ServerList()))
		if alive < quorum {
			p.pingMu.Unlock()
			level.Info(p.logger).Log("msg", "quorum lost at ping-check, shutting down", "alive", alive, "quorum", quorum)
			p.metrics.quorumLost.Inc()
			p.Shutdown()
			return
		}

		for ip := range p.pingTargets {
			p.appendNetwork(ip)
			p.pingTargets[ip] = 0
		}
		p.pingTargets[p.ip] = 1
		p.pingMu.Unlock()
	}
}
