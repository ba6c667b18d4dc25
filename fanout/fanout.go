// Package fanout is the multi-channel fan-out engine. It owns the
// three bounded per-participant outbound queues for the reliable channel —
// control, chat/roster, and screen — and the writer goroutine that drains
// them onto each participant's connection.
//
// The three classes exist because they need three different overflow
// policies: control never drops short of evicting the recipient outright,
// chat/roster drops the oldest entry of the same class, and screen
// collapses to whatever frame is newest. A single Go channel can express
// "never drop, bounded capacity" and "always drop newest" but not "drop
// oldest" or "replace pending" without help, so this package backs those
// two with a small mutex-guarded ring rather than forcing every class
// through the same channel shape — the same shape as this project's
// per-connection send buffer (ws/client.go), generalized from one drop
// policy to three.
//
// Video and audio datagrams are not queued here at all: they get a
// "no queue, drop if send-would-block" policy, which is simplest applied
// directly at the UDP send site in the transport package, keyed off the
// same participant snapshot this package reads for its reliable classes.
package fanout

import (
	"io"
	"log/slog"
	"sync"

	"github.com/akinalpfdn/lanhub/protocol"
)

const (
	// ChatRosterSoftItems and ChatRosterSoftBytes bound the chat/roster
	// queue before the drop-oldest policy kicks in.
	ChatRosterSoftItems = 256
	ChatRosterSoftBytes = 8 * 1024 * 1024

	// ControlHardBound is the control queue's capacity; a send that would
	// block past this means the recipient is unhealthy.
	ControlHardBound = 1024
)

// UnhealthyFunc is invoked (from the writer goroutine, so callers must not
// block in it) when a participant's control queue hits its hard bound.
type UnhealthyFunc func(participantID int)

type droppingRing struct {
	mu       sync.Mutex
	items    [][]byte
	bytes    int
	maxItems int
	maxBytes int
	notify   chan struct{}
}

func newDroppingRing(maxItems, maxBytes int) *droppingRing {
	return &droppingRing{maxItems: maxItems, maxBytes: maxBytes, notify: make(chan struct{}, 1)}
}

func (r *droppingRing) push(item []byte) {
	r.mu.Lock()
	r.items = append(r.items, item)
	r.bytes += len(item)
	for len(r.items) > 1 && (len(r.items) > r.maxItems || r.bytes > r.maxBytes) {
		dropped := r.items[0]
		r.items = r.items[1:]
		r.bytes -= len(dropped)
	}
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *droppingRing) pop() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return nil, false
	}
	item := r.items[0]
	r.items = r.items[1:]
	r.bytes -= len(item)
	return item, true
}

type latestWinsSlot struct {
	mu      sync.Mutex
	pending []byte
	notify  chan struct{}
}

func newLatestWinsSlot() *latestWinsSlot {
	return &latestWinsSlot{notify: make(chan struct{}, 1)}
}

func (s *latestWinsSlot) set(item []byte) {
	s.mu.Lock()
	s.pending = item
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *latestWinsSlot) take() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.pending
	s.pending = nil
	return item, item != nil
}

// outbound holds one participant's three reliable queues plus the control
// channel's hard-bound done via a buffered Go channel (it never needs
// drop-oldest semantics, only "reject once full").
type outbound struct {
	control    chan []byte
	chatRoster *droppingRing
	screen     *latestWinsSlot
	done       chan struct{}
	closeOnce  sync.Once
}

// Engine dispatches fanned-out reliable-channel payloads into each
// participant's queues and pumps them onto the wire.
type Engine struct {
	mu       sync.RWMutex
	queues   map[int]*outbound
	unhealthy UnhealthyFunc
	logger   *slog.Logger
}

// New creates a fan-out engine. unhealthy is called when a participant's
// control queue overflows its hard bound.
func New(logger *slog.Logger, unhealthy UnhealthyFunc) *Engine {
	return &Engine{
		queues:    make(map[int]*outbound),
		unhealthy: unhealthy,
		logger:    logger,
	}
}

// Attach registers a participant's connection and starts its writer
// goroutine. It must be called once per admitted participant before any
// Send/Broadcast targeting that id.
func (e *Engine) Attach(id int, conn io.Writer) {
	ob := &outbound{
		control:    make(chan []byte, ControlHardBound),
		chatRoster: newDroppingRing(ChatRosterSoftItems, ChatRosterSoftBytes),
		screen:     newLatestWinsSlot(),
		done:       make(chan struct{}),
	}
	e.mu.Lock()
	e.queues[id] = ob
	e.mu.Unlock()

	go e.pump(id, conn, ob)
}

// Detach stops the writer goroutine and drops the participant's queues.
// Queues are drained-then-closed: Detach lets the pump goroutine exit on
// its own via done, and the pump first writes any control and chat/roster
// items already queued (a pending screen frame is not flushed).
func (e *Engine) Detach(id int) {
	e.mu.Lock()
	ob, ok := e.queues[id]
	delete(e.queues, id)
	e.mu.Unlock()
	if ok {
		ob.closeOnce.Do(func() { close(ob.done) })
	}
}

func (e *Engine) pump(id int, conn io.Writer, ob *outbound) {
	for {
		select {
		case <-ob.done:
			for len(ob.control) > 0 {
				e.write(id, conn, <-ob.control)
			}
			for item, ok := ob.chatRoster.pop(); ok; item, ok = ob.chatRoster.pop() {
				e.write(id, conn, item)
			}
			return
		case payload, ok := <-ob.control:
			if !ok {
				return
			}
			e.write(id, conn, payload)
		case <-ob.chatRoster.notify:
			for {
				item, ok := ob.chatRoster.pop()
				if !ok {
					break
				}
				e.write(id, conn, item)
			}
		case <-ob.screen.notify:
			if item, ok := ob.screen.take(); ok {
				e.write(id, conn, item)
			}
		}
	}
}

func (e *Engine) write(id int, conn io.Writer, payload []byte) {
	if err := protocol.WriteFrame(conn, payload); err != nil {
		e.logger.Warn("fanout write failed", "participant_id", id, "error", err)
	}
}

func (e *Engine) get(id int) (*outbound, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ob, ok := e.queues[id]
	return ob, ok
}

// SendControl enqueues one control-class payload (permission_error,
// media_state, rate_limited, file_upload_port, moderation notifications,
// ...) for a single recipient. On hard-bound overflow the item is not
// enqueued and the recipient is declared unhealthy via the configured
// callback.
func (e *Engine) SendControl(id int, payload []byte) {
	ob, ok := e.get(id)
	if !ok {
		return
	}
	select {
	case ob.control <- payload:
	default:
		if e.unhealthy != nil {
			go e.unhealthy(id)
		}
	}
}

// BroadcastControl fans a control-class payload out to every id in
// recipients.
func (e *Engine) BroadcastControl(recipients []int, payload []byte) {
	for _, id := range recipients {
		e.SendControl(id, payload)
	}
}

// SendChatOrRoster enqueues one chat/roster-class payload (chat,
// user_joined, user_left, host_changed, file_available, presenter_changed)
// for a single recipient, dropping the oldest queued item of this class if
// the soft bound is exceeded.
func (e *Engine) SendChatOrRoster(id int, payload []byte) {
	ob, ok := e.get(id)
	if !ok {
		return
	}
	ob.chatRoster.push(payload)
}

// BroadcastChatOrRoster fans a chat/roster-class payload out, excluding
// excludeID when it is a valid participant id (sender exclusion).
func (e *Engine) BroadcastChatOrRoster(recipients []int, excludeID int, payload []byte) {
	for _, id := range recipients {
		if id == excludeID {
			continue
		}
		e.SendChatOrRoster(id, payload)
	}
}

// SendScreen replaces the pending screen frame for one recipient
// (latest-wins).
func (e *Engine) SendScreen(id int, payload []byte) {
	ob, ok := e.get(id)
	if !ok {
		return
	}
	ob.screen.set(payload)
}

// BroadcastScreen fans a screen frame out to every recipient except the
// presenter who produced it.
func (e *Engine) BroadcastScreen(recipients []int, presenterID int, payload []byte) {
	for _, id := range recipients {
		if id == presenterID {
			continue
		}
		e.SendScreen(id, payload)
	}
}

// Recipients computes "all participant ids except exclude" from a snapshot
// of live ids, the shape every reliable tag class needs.
func Recipients(ids []int, exclude int) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
