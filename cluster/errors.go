package cluster

import "errors"

// ErrUnreachable is returned by dialogue and Peer.call (and surfaces
// through any function built on them) whenever a peer could not be dialed or the
// request/reply exchange failed partway through. Callers never see the
// underlying network error; a peer is either reachable or it is not.
var ErrUnreachable = errors.New("peer unreachable")

// ErrShutdown is returned by Peer.call when the peer is already offline;
// no connection is attempted in that case.
var ErrShutdown = errors.New("peer is shutting down")

// ErrFrameTooLarge is returned by the wire codec when a payload exceeds
// MaxPayloadLength, or when a received header declares a negative length.
var ErrFrameTooLarge = errors.New("frame payload exceeds maximum length")
