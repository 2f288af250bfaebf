package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallRejectsWhenShutdown(t *testing.T) {
	p := newTestPeer(t, []string{"127.0.0.1"})
	p.Shutdown()

	_, err := p.call("127.0.0.1", msgAskMaster)
	require.ErrorIs(t, err, ErrShutdown)
}
