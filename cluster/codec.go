package cluster

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HeaderWidth is the fixed width, in bytes, of the length frame that
// precedes every payload on the wire: an ASCII decimal number, space-padded
// on the right to HeaderWidth bytes.
const HeaderWidth = 64

// MaxPayloadLength bounds the size of a single framed payload. A declared
// length beyond this is treated as a framing error.
const MaxPayloadLength = 2048

// writeFrame writes a length-prefixed payload: a HeaderWidth-byte ASCII
// decimal length frame followed by the payload bytes.
func writeFrame(w io.Writer, payload string) error {
	if len(payload) > MaxPayloadLength {
		return ErrFrameTooLarge
	}
	header := fmt.Sprintf("%-*d", HeaderWidth, len(payload))
	if _, err := io.WriteString(w, header); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if _, err := io.WriteString(w, payload); err != nil {
		return errors.Wrap(err, "write frame payload")
	}
	return nil
}

// readFrame reads one length-prefixed payload from r. A short read, a
// non-numeric length, or a length beyond MaxPayloadLength is a framing
// error; per the wire protocol, framing errors are fatal to the connection
// and callers should close it without further ado.
func readFrame(r io.Reader) (string, error) {
	header := make([]byte, HeaderWidth)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", errors.Wrap(err, "read frame header")
	}
	length, err := strconv.Atoi(strings.TrimSpace(string(header)))
	if err != nil {
		return "", errors.Wrap(err, "parse frame length")
	}
	if length < 0 || length > MaxPayloadLength {
		return "", ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", errors.Wrap(err, "read frame payload")
	}
	return string(payload), nil
}

// dialogue opens conn, writes request as a single framed message, reads
// back a single framed reply, and closes conn. Every outbound exchange in
// the engine — the master query, the vote, the ping — is exactly this
// shape: one request, one reply, then close.
func dialogue(network, addr string, dialTimeout time.Duration, request string) (string, error) {
	conn, err := net.DialTimeout(network, addr, dialTimeout)
	if err != nil {
		return "", errors.Wrap(ErrUnreachable, err.Error())
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
		return "", errors.Wrap(ErrUnreachable, err.Error())
	}
	if err := writeFrame(conn, request); err != nil {
		return "", errors.Wrap(ErrUnreachable, err.Error())
	}
	reply, err := readFrame(conn)
	if err != nil {
		return "", errors.Wrap(ErrUnreachable, err.Error())
	}
	return reply, nil
}
