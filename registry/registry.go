// Package registry is the single logical owner of participant and session
// state, and the serialization backbone the presenter FSM in the
// moderation package relies on. Every mutation is executed inside one
// goroutine by sending a closure over a command channel and waiting for
// it to run; this generalizes the register/unregister channel pair this
// project has always used for its connection table to the full set of
// mutations that need to be serialized through a single owner, instead of
// adding a channel per operation.
//
// Callers never receive a pointer into live state: every read returns a
// copy, so there is nothing left to race on once it crosses back out.
package registry

import (
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/akinalpfdn/lanhub/errs"
)

type state struct {
	participants    map[int]*Participant
	nextID          int
	hostID          int // -1 if no participant admitted yet
	presenter       PresenterSlot
	chat            []ChatMessage
	chatHistorySize int
	files           map[string]SharedFile
	maxParticipants int
}

func newState(chatHistorySize, maxParticipants int) *state {
	return &state{
		participants:    make(map[int]*Participant),
		nextID:          0,
		hostID:          -1,
		presenter:       EmptyPresenterSlot(),
		chat:            make([]ChatMessage, 0, chatHistorySize),
		chatHistorySize: chatHistorySize,
		files:           make(map[string]SharedFile),
		maxParticipants: maxParticipants,
	}
}

type cmd struct {
	fn   func(*state)
	done chan struct{}
}

// Registry owns participant admission, the chat ring buffer, the
// shared-file index, and the presenter slot.
type Registry struct {
	cmdCh  chan cmd
	stopCh chan struct{}
	logger *slog.Logger
}

// New starts the owner goroutine and returns a ready Registry.
func New(chatHistorySize, maxParticipants int, logger *slog.Logger) *Registry {
	r := &Registry{
		cmdCh:  make(chan cmd),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	go r.run(newState(chatHistorySize, maxParticipants))
	return r
}

func (r *Registry) run(s *state) {
	for {
		select {
		case c := <-r.cmdCh:
			c.fn(s)
			close(c.done)
		case <-r.stopCh:
			return
		}
	}
}

// exec runs fn inside the owner goroutine and blocks until it completes. It
// is a no-op after Close.
func (r *Registry) exec(fn func(*state)) {
	done := make(chan struct{})
	select {
	case r.cmdCh <- cmd{fn: fn, done: done}:
		<-done
	case <-r.stopCh:
	}
}

// Close stops the owner goroutine. Pending exec calls return without
// running their closure.
func (r *Registry) Close() { close(r.stopCh) }

func snapshotOf(p *Participant) Participant { return *p }

// Admit validates the display name, assigns an id (0 for the first
// participant, who becomes host), and installs the participant. It returns
// the new participant plus the roster/chat/files needed for login_success.
func (r *Registry) Admit(name string, addr net.Addr) (Participant, []Participant, []ChatMessage, map[string]SharedFile, error) {
	var (
		self  Participant
		roster []Participant
		chat  []ChatMessage
		files map[string]SharedFile
		err   error
	)
	r.exec(func(s *state) {
		if len(name) == 0 {
			err = errs.ErrNameEmpty
			return
		}
		if len([]rune(name)) > 50 {
			err = errs.ErrNameTooLong
			return
		}
		if len(s.participants) >= s.maxParticipants {
			err = errs.ErrServerFull
			return
		}

		id := s.nextID
		s.nextID++

		role := RoleGuest
		if s.hostID < 0 {
			role = RoleHost
			s.hostID = id
		}

		p := &Participant{
			ID:              id,
			Name:            name,
			Role:            role,
			ControlAddr:     addr,
			Permissions:     DefaultPermissions(),
			LastHeartbeatAt: time.Now(),
		}
		s.participants[id] = p
		self = snapshotOf(p)

		roster = snapshotAll(s)
		chat = append([]ChatMessage(nil), s.chat...)
		files = cloneFiles(s.files)
	})
	return self, roster, chat, files, err
}

// Remove deletes a participant. If the removed participant was host, the
// oldest remaining participant (lowest id) is promoted atomically — there
// is never an observable instant with zero hosts once one exists.
func (r *Registry) Remove(id int, reason string) (removed Participant, promoted *Participant, ok bool) {
	r.exec(func(s *state) {
		p, found := s.participants[id]
		if !found {
			return
		}
		removed = snapshotOf(p)
		ok = true
		delete(s.participants, id)

		if !s.presenter.Empty() && s.presenter.Holder == id {
			s.presenter = EmptyPresenterSlot()
		}

		if s.hostID == id {
			s.hostID = -1
			if next := lowestID(s); next != nil {
				next.Role = RoleHost
				s.hostID = next.ID
				snap := snapshotOf(next)
				promoted = &snap
			}
		}
	})
	return removed, promoted, ok
}

func lowestID(s *state) *Participant {
	var best *Participant
	for _, p := range s.participants {
		if best == nil || p.ID < best.ID {
			best = p
		}
	}
	return best
}

// Lookup returns a snapshot of one participant.
func (r *Registry) Lookup(id int) (Participant, bool) {
	var p Participant
	var ok bool
	r.exec(func(s *state) {
		if found, has := s.participants[id]; has {
			p = snapshotOf(found)
			ok = true
		}
	})
	return p, ok
}

// Snapshot returns a copy-on-write view of every live participant.
func (r *Registry) Snapshot() []Participant {
	var out []Participant
	r.exec(func(s *state) { out = snapshotAll(s) })
	return out
}

func snapshotAll(s *state) []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, snapshotOf(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HostID returns the current host's id, or -1 if the session is empty.
func (r *Registry) HostID() int {
	var id int
	r.exec(func(s *state) { id = s.hostID })
	return id
}

// UpdateMediaState applies delta to the participant's media_state. Used for
// both self-reported state mirrors and forced moderation changes.
func (r *Registry) UpdateMediaState(id int, delta func(*MediaState)) (Participant, error) {
	var out Participant
	var err error
	r.exec(func(s *state) {
		p, ok := s.participants[id]
		if !ok {
			err = errs.ErrUnknownTarget
			return
		}
		delta(&p.MediaState)
		out = snapshotOf(p)
	})
	return out, err
}

// UpdateHeartbeat stamps last_heartbeat_at for the liveness monitor.
func (r *Registry) UpdateHeartbeat(id int) {
	r.exec(func(s *state) {
		if p, ok := s.participants[id]; ok {
			p.LastHeartbeatAt = time.Now()
		}
	})
}

// UpdateMediaAddr records the endpoint a participant's first valid datagram
// for a given media kind arrived from (or rebinds it on a later endpoint
// change — LAN NAT rebind).
func (r *Registry) UpdateMediaAddr(id int, video bool, addr net.Addr) {
	r.exec(func(s *state) {
		p, ok := s.participants[id]
		if !ok {
			return
		}
		if video {
			p.MediaAddrVideo = addr
		} else {
			p.MediaAddrAudio = addr
		}
	})
}

// SetPermission applies one host-issued permission change. Idempotent: a
// repeated identical value still succeeds but the caller (the moderation
// dispatcher) is responsible for suppressing the redundant broadcast.
func (r *Registry) SetPermission(id int, field string, value bool) (Participant, bool, error) {
	var out Participant
	var changed bool
	var err error
	r.exec(func(s *state) {
		p, ok := s.participants[id]
		if !ok {
			err = errs.ErrUnknownTarget
			return
		}
		before := p.Permissions
		switch field {
		case "may_video":
			p.Permissions.MayVideo = value
		case "may_audio":
			p.Permissions.MayAudio = value
		case "may_screen_share":
			p.Permissions.MayScreenShare = value
		case "may_chat":
			p.Permissions.MayChat = value
		case "may_upload":
			p.Permissions.MayUpload = value
		case "may_download":
			p.Permissions.MayDownload = value
		default:
			err = errs.ErrMalformedFrame
			return
		}
		changed = before != p.Permissions
		out = snapshotOf(p)
	})
	return out, changed, err
}

// RequestPresenter attempts to grant the presenter slot. Serialized through
// the owner goroutine, so two concurrent requests are strictly ordered:
// whichever reaches this closure first wins.
func (r *Registry) RequestPresenter(id int) (granted bool, reason string) {
	r.exec(func(s *state) {
		p, ok := s.participants[id]
		if !ok {
			granted, reason = false, "unknown participant"
			return
		}
		if !p.Permissions.MayScreenShare {
			granted, reason = false, "permission denied"
			return
		}
		if !s.presenter.Empty() {
			granted, reason = false, "busy"
			return
		}
		s.presenter = PresenterSlot{Holder: id, Since: time.Now()}
		p.MediaState.IsPresenter = true
		p.MediaState.ScreenSharing = true
		granted = true
	})
	return granted, reason
}

// StopPresenting clears the presenter slot if held by id, or whoever holds
// it if id < 0. Returns whether a change occurred and who lost it.
func (r *Registry) StopPresenting(id int) (changed bool, previousHolder int) {
	previousHolder = -1
	r.exec(func(s *state) {
		if s.presenter.Empty() {
			return
		}
		if id >= 0 && s.presenter.Holder != id {
			return
		}
		previousHolder = s.presenter.Holder
		if p, ok := s.participants[previousHolder]; ok {
			p.MediaState.IsPresenter = false
			p.MediaState.ScreenSharing = false
		}
		s.presenter = EmptyPresenterSlot()
		changed = true
	})
	return changed, previousHolder
}

// Presenter returns the current slot.
func (r *Registry) Presenter() PresenterSlot {
	var slot PresenterSlot
	r.exec(func(s *state) { slot = s.presenter })
	return slot
}

// AddChat appends a message to the ring buffer, dropping the oldest entry
// once chatHistorySize is exceeded.
func (r *Registry) AddChat(senderID int, senderName, text string) (ChatMessage, error) {
	var msg ChatMessage
	var err error
	if len([]byte(text)) > 4*1024 {
		return msg, errs.ErrChatTooLong
	}
	r.exec(func(s *state) {
		msg = ChatMessage{SenderID: senderID, SenderName: senderName, Text: text, Timestamp: time.Now()}
		s.chat = append(s.chat, msg)
		if len(s.chat) > s.chatHistorySize {
			s.chat = s.chat[len(s.chat)-s.chatHistorySize:]
		}
	})
	return msg, err
}

// ChatHistory returns a copy of the current ring buffer contents.
func (r *Registry) ChatHistory() []ChatMessage {
	var out []ChatMessage
	r.exec(func(s *state) { out = append([]ChatMessage(nil), s.chat...) })
	return out
}

// RegisterFile installs a completed upload or manual-scan discovery into
// the shared-file index. Fails if fid is already taken.
func (r *Registry) RegisterFile(entry SharedFile) error {
	var err error
	r.exec(func(s *state) {
		if _, exists := s.files[entry.FID]; exists {
			err = errs.ErrDuplicateFileID
			return
		}
		s.files[entry.FID] = entry
	})
	return err
}

// LookupFile returns one shared-file entry.
func (r *Registry) LookupFile(fid string) (SharedFile, bool) {
	var f SharedFile
	var ok bool
	r.exec(func(s *state) { f, ok = s.files[fid] })
	return f, ok
}

// FilesSnapshot returns a copy of the shared-file index.
func (r *Registry) FilesSnapshot() map[string]SharedFile {
	var out map[string]SharedFile
	r.exec(func(s *state) { out = cloneFiles(s.files) })
	return out
}

func cloneFiles(in map[string]SharedFile) map[string]SharedFile {
	out := make(map[string]SharedFile, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
