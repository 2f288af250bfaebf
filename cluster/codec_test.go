package cluster

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, "Your master?"))
	require.Equal(t, HeaderWidth+len("Your master?"), buf.Len())

	got, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, "Your master?", got)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	payload := strings.Repeat("x", MaxPayloadLength+1)
	err := writeFrame(&buf, payload)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.Zero(t, buf.Len())
}

func TestReadFrameRejectsGarbageHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(strings.Repeat("?", HeaderWidth))
	_, err := readFrame(&buf)
	require.Error(t, err)
}

func TestReadFrameRejectsShortPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("5" + strings.Repeat(" ", HeaderWidth-1))
	buf.WriteString("ab")
	_, err := readFrame(&buf)
	require.Error(t, err)
}

func TestDialogueOverLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		require.Equal(t, "ping", req)
		_ = writeFrame(conn, "pong")
	}()

	reply, err := dialogue("tcp", ln.Addr().String(), time.Second, "ping")
	require.NoError(t, err)
	require.Equal(t, "pong", reply)
}

func TestDialogueUnreachable(t *testing.T) {
	_, err := dialogue("tcp", "127.0.0.1:1", 200*time.Millisecond, "ping")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnreachable)
}
