package registry_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akinalpfdn/lanhub/registry"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New(500, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(r.Close)
	return r
}

func TestFirstAdmitBecomesHostAtIDZero(t *testing.T) {
	r := newRegistry(t)

	host, roster, _, _, err := r.Admit("host", nil)
	require.NoError(t, err)
	require.Equal(t, 0, host.ID)
	require.True(t, host.IsHost())
	require.Len(t, roster, 1)

	guest, roster, _, _, err := r.Admit("alice", nil)
	require.NoError(t, err)
	require.Equal(t, 1, guest.ID)
	require.False(t, guest.IsHost())
	require.Len(t, roster, 2)
}

func TestSingleHostInvariantAfterHostLeaves(t *testing.T) {
	r := newRegistry(t)
	host, _, _, _, _ := r.Admit("host", nil)
	a, _, _, _, _ := r.Admit("alice", nil)
	b, _, _, _, _ := r.Admit("bob", nil)

	_, promoted, ok := r.Remove(host.ID, "logout")
	require.True(t, ok)
	require.NotNil(t, promoted)
	require.Equal(t, a.ID, promoted.ID) // lowest remaining id promoted

	remaining := r.Snapshot()
	hosts := 0
	for _, p := range remaining {
		if p.IsHost() {
			hosts++
		}
	}
	require.Equal(t, 1, hosts)
	require.Equal(t, b.ID, b.ID) // silence unused in case of future edits
}

func TestRemoveEmptiesHostWhenNoParticipantsRemain(t *testing.T) {
	r := newRegistry(t)
	host, _, _, _, _ := r.Admit("host", nil)
	_, promoted, ok := r.Remove(host.ID, "logout")
	require.True(t, ok)
	require.Nil(t, promoted)
	require.Equal(t, -1, r.HostID())
}

func TestPresenterSingleHolderInvariant(t *testing.T) {
	r := newRegistry(t)
	_, _, _, _, _ = r.Admit("host", nil)
	a, _, _, _, _ := r.Admit("alice", nil)
	b, _, _, _, _ := r.Admit("bob", nil)

	grantedA, _ := r.RequestPresenter(a.ID)
	require.True(t, grantedA)

	grantedB, reason := r.RequestPresenter(b.ID)
	require.False(t, grantedB)
	require.Equal(t, "busy", reason)

	slot := r.Presenter()
	require.Equal(t, a.ID, slot.Holder)

	changed, prev := r.StopPresenting(a.ID)
	require.True(t, changed)
	require.Equal(t, a.ID, prev)
	require.True(t, r.Presenter().Empty())
}

func TestSetPermissionIsIdempotent(t *testing.T) {
	r := newRegistry(t)
	a, _, _, _, _ := r.Admit("alice", nil)

	_, changed, err := r.SetPermission(a.ID, "may_audio", false)
	require.NoError(t, err)
	require.True(t, changed)

	_, changedAgain, err := r.SetPermission(a.ID, "may_audio", false)
	require.NoError(t, err)
	require.False(t, changedAgain)
}

func TestChatRingBufferDropsOldestPastCapacity(t *testing.T) {
	r := registry.New(2, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer r.Close()

	_, err := r.AddChat(0, "host", "first")
	require.NoError(t, err)
	_, err = r.AddChat(0, "host", "second")
	require.NoError(t, err)
	_, err = r.AddChat(0, "host", "third")
	require.NoError(t, err)

	history := r.ChatHistory()
	require.Len(t, history, 2)
	require.Equal(t, "second", history[0].Text)
	require.Equal(t, "third", history[1].Text)
}

func TestAddChatRejectsOversizeText(t *testing.T) {
	r := newRegistry(t)
	big := make([]byte, 4*1024+1)
	_, err := r.AddChat(0, "host", string(big))
	require.Error(t, err)
}

func TestRegisterFileRejectsDuplicateFID(t *testing.T) {
	r := newRegistry(t)
	entry := registry.SharedFile{FID: "f1", Filename: "notes.txt", SizeBytes: 11}
	require.NoError(t, r.RegisterFile(entry))
	require.Error(t, r.RegisterFile(entry))
}

func TestIDsAreNeverReusedWhileLive(t *testing.T) {
	r := newRegistry(t)
	_, _, _, _, _ = r.Admit("host", nil)
	a, _, _, _, _ := r.Admit("alice", nil)
	_, _, ok := r.Remove(a.ID, "logout")
	require.True(t, ok)

	b, _, _, _, _ := r.Admit("bob", nil)
	require.NotEqual(t, a.ID, b.ID)
}
