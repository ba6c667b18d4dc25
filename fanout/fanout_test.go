package fanout_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akinalpfdn/lanhub/fanout"
	"github.com/akinalpfdn/lanhub/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readOneFrame(t *testing.T, conn net.Conn) protocol.Chat {
	t.Helper()
	raw, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	var chat protocol.Chat
	require.NoError(t, json.Unmarshal(raw, &chat))
	return chat
}

func TestSendControlDeliversToSingleRecipient(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	e := fanout.New(discardLogger(), nil)
	e.Attach(1, server)
	defer e.Detach(1)

	payload, err := protocol.Encode(protocol.Chat{
		Header: protocol.Header{Type: protocol.TypeChat},
		Text:   "hello",
	})
	require.NoError(t, err)

	e.SendControl(1, payload)

	chat := readOneFrame(t, client)
	require.Equal(t, "hello", chat.Text)
}

func TestBroadcastChatOrRosterExcludesSender(t *testing.T) {
	serverA, clientA := net.Pipe()
	serverB, clientB := net.Pipe()
	defer serverA.Close()
	defer clientA.Close()
	defer serverB.Close()
	defer clientB.Close()

	e := fanout.New(discardLogger(), nil)
	e.Attach(1, serverA)
	e.Attach(2, serverB)
	defer e.Detach(1)
	defer e.Detach(2)

	payload, _ := protocol.Encode(protocol.Chat{
		Header: protocol.Header{Type: protocol.TypeChat},
		Text:   "hi all",
	})

	e.BroadcastChatOrRoster([]int{1, 2}, 1, payload)

	done := make(chan struct{})
	go func() {
		chat := readOneFrame(t, clientB)
		require.Equal(t, "hi all", chat.Text)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recipient 2 never received broadcast")
	}

	require.NoError(t, clientA.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := protocol.ReadFrame(clientA)
	require.Error(t, err, "sender must not receive its own chat")
}

func TestRecipientsExcludesGivenID(t *testing.T) {
	got := fanout.Recipients([]int{0, 1, 2, 3}, 2)
	require.Equal(t, []int{0, 1, 3}, got)
}

func TestSendControlDeclaresUnhealthyOnHardBoundOverflow(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	unhealthy := make(chan int, 1)
	e := fanout.New(discardLogger(), func(id int) { unhealthy <- id })
	e.Attach(1, server)
	defer e.Detach(1)

	// Never read from client: the pump will stall trying to write the
	// first frame, so subsequent enqueues pile up until the control
	// channel's hard bound is exceeded.
	payload, _ := protocol.Encode(protocol.PermissionError{
		Header:  protocol.Header{Type: protocol.TypePermissionError},
		Message: "x",
	})
	for i := 0; i < fanout.ControlHardBound+2; i++ {
		e.SendControl(1, payload)
	}

	select {
	case id := <-unhealthy:
		require.Equal(t, 1, id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected unhealthy callback on control hard-bound overflow")
	}
}
