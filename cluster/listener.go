package cluster

import (
	"net"
	"strings"

	"github.com/go-kit/kit/log/level"
)

// serve runs the accept loop: accept connections until the listener is
// closed by Shutdown, handing each one to its own handler goroutine.
func (p *Peer) serve() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
				level.Debug(p.logger).Log("msg", "listener closed", "err", err)
				return
			}
		}
		go p.handleConn(conn)
	}
}

// handleConn reads exactly one framed request, dispatches it, writes
// exactly one framed reply, and closes the connection. A framing error
// terminates the connection silently, matching the wire protocol.
func (p *Peer) handleConn(conn net.Conn) {
	defer conn.Close()

	request, err := readFrame(conn)
	if err != nil {
		return
	}
	reply := p.dispatch(conn.RemoteAddr(), request)
	_ = writeFrame(conn, reply)
}

// dispatch routes one request to its handler.
func (p *Peer) dispatch(remote net.Addr, request string) string {
	callerIP := remoteIP(remote)

	switch {
	case request == msgDisconnect:
		return replyDisconnect

	case request == msgAskMaster:
		// The requestant is part of the network.
		p.addRequest(callerIP)
		return orNone(p.Master())

	case strings.HasPrefix(request, msgPingPrefix):
		p.recordPing(strings.TrimPrefix(request, msgPingPrefix))
		return replyPingReceived

	case strings.HasPrefix(request, msgVotePrefix):
		return p.handleVote(strings.TrimPrefix(request, msgVotePrefix))

	default:
		return replyUnknown
	}
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
