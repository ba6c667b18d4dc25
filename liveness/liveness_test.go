package liveness_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akinalpfdn/lanhub/liveness"
	"github.com/akinalpfdn/lanhub/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEvictsParticipantPastHardTimeout(t *testing.T) {
	reg := registry.New(10, 10, discardLogger())
	defer reg.Close()

	_, _, _, _, err := reg.Admit("alice", &net.IPAddr{})
	require.NoError(t, err)

	evicted := make(chan int, 1)
	m := liveness.New(reg, 5*time.Millisecond, 10*time.Millisecond, func(id int, reason string) {
		evicted <- id
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case id := <-evicted:
		require.Equal(t, 0, id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected hard-timeout eviction")
	}
}

func TestDoesNotEvictWithinSoftWindow(t *testing.T) {
	reg := registry.New(10, 10, discardLogger())
	defer reg.Close()

	_, _, _, _, err := reg.Admit("alice", &net.IPAddr{})
	require.NoError(t, err)

	evicted := make(chan int, 1)
	m := liveness.New(reg, time.Minute, 2*time.Minute, func(id int, reason string) {
		evicted <- id
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case <-evicted:
		t.Fatal("must not evict before hard timeout elapses")
	case <-time.After(200 * time.Millisecond):
	}
}
