// Package transport is the connection-facing edge of the server: the
// reliable control listener, the two UDP media listeners, and the
// manual-file spool scanner. It owns nothing about session semantics
// itself — every decision is delegated to registry, fanout, moderation,
// ratelimit, and transfer — and exists only to turn bytes on the wire into
// calls against those packages and back again.
package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/akinalpfdn/lanhub/config"
	"github.com/akinalpfdn/lanhub/fanout"
	"github.com/akinalpfdn/lanhub/moderation"
	"github.com/akinalpfdn/lanhub/protocol"
	"github.com/akinalpfdn/lanhub/ratelimit"
	"github.com/akinalpfdn/lanhub/registry"
	"github.com/akinalpfdn/lanhub/transfer"
)

// handshakeTimeout bounds how long a freshly accepted connection has to
// send its login record before the server gives up on it.
const handshakeTimeout = 10 * time.Second

// Server binds and runs the three fixed listeners and dispatches every
// inbound record/datagram to the domain packages.
type Server struct {
	cfg     *config.Config
	reg     *registry.Registry
	fan     *fanout.Engine
	mod     *moderation.Dispatcher
	xfer    *transfer.Mediator
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	connMu sync.Mutex
	conns  map[int]net.Conn

	controlLn  net.Listener
	videoConn  *net.UDPConn
	audioConn  *net.UDPConn

	manualSeqMu sync.Mutex
	manualSeq   int
}

// New constructs a transport server. The moderation Dispatcher must have
// been built with its onKick callback wired to Server.CloseConn (see the
// wiring in main.go).
func New(cfg *config.Config, reg *registry.Registry, fan *fanout.Engine, mod *moderation.Dispatcher, xfer *transfer.Mediator, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		reg:     reg,
		fan:     fan,
		mod:     mod,
		xfer:    xfer,
		limiter: limiter,
		logger:  logger,
		conns:   make(map[int]net.Conn),
	}
}

// ListenAndServe binds all three listeners, runs every accept/receive loop
// in its own goroutine, and blocks until ctx is cancelled. A best-effort
// server_shutdown broadcast is sent before the listeners are closed.
func (s *Server) ListenAndServe(ctx context.Context) error {
	controlLn, err := net.Listen("tcp", s.cfg.ControlAddr())
	if err != nil {
		return err
	}
	s.controlLn = controlLn

	videoAddr, err := net.ResolveUDPAddr("udp", s.cfg.VideoAddr())
	if err != nil {
		return err
	}
	videoConn, err := net.ListenUDP("udp", videoAddr)
	if err != nil {
		return err
	}
	s.videoConn = videoConn

	audioAddr, err := net.ResolveUDPAddr("udp", s.cfg.AudioAddr())
	if err != nil {
		return err
	}
	audioConn, err := net.ListenUDP("udp", audioAddr)
	if err != nil {
		return err
	}
	s.audioConn = audioConn

	if err := s.ScanSpool(); err != nil {
		s.logger.Warn("initial spool scan failed", "error", err)
	}

	s.logger.Info("listening",
		"control_addr", s.cfg.ControlAddr(),
		"video_addr", s.cfg.VideoAddr(),
		"audio_addr", s.cfg.AudioAddr(),
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.acceptLoop(ctx) }()
	go func() { defer wg.Done(); s.datagramLoop(ctx, videoConn, s.relayVideo) }()
	go func() { defer wg.Done(); s.datagramLoop(ctx, audioConn, s.relayAudio) }()

	<-ctx.Done()
	s.shutdown()
	wg.Wait()
	return nil
}

func (s *Server) shutdown() {
	payload, err := protocol.Encode(protocol.ServerShutdown{Header: protocol.NewHeader(protocol.TypeServerShutdown)})
	if err == nil {
		shutdownBudget := 2 * time.Second
		deadline := time.Now().Add(shutdownBudget)
		for _, id := range idsOf(s.reg.Snapshot()) {
			s.fan.SendControl(id, payload)
		}
		time.Sleep(time.Until(deadline))
	}
	s.controlLn.Close()
	s.videoConn.Close()
	s.audioConn.Close()

	s.connMu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.controlLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn("control accept failed", "error", err)
				return
			}
		}
		go s.handleControlConn(conn)
	}
}

func (s *Server) trackConn(id int, conn net.Conn) {
	s.connMu.Lock()
	s.conns[id] = conn
	s.connMu.Unlock()
}

func (s *Server) untrackConn(id int) {
	s.connMu.Lock()
	delete(s.conns, id)
	s.connMu.Unlock()
}

// CloseConn is the moderation.KickFunc hook: it force-closes a kicked
// participant's control connection so its reader loop unblocks and exits.
func (s *Server) CloseConn(id int) {
	s.connMu.Lock()
	conn, ok := s.conns[id]
	s.connMu.Unlock()
	if ok {
		conn.Close()
	}
}

func idsOf(participants []registry.Participant) []int {
	ids := make([]int, len(participants))
	for i, p := range participants {
		ids[i] = p.ID
	}
	return ids
}
