package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kevinraymond/stt-server/internal/audio"
	"github.com/kevinraymond/stt-server/internal/config"
	"github.com/kevinraymond/stt-server/internal/metrics"
	"github.com/kevinraymond/stt-server/internal/protocol"
	"github.com/kevinraymond/stt-server/internal/session"
)

// TCPServer accepts client connections carrying the binary framing
// protocol. Each connection maps to exactly one transcription session.
type TCPServer struct {
	cfg        *config.ServerConfig
	logger     *slog.Logger
	sessionMgr *session.Manager
	metrics    *metrics.Metrics

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Statistics
	connectionsAccepted atomic.Uint64
	connectionsRejected atomic.Uint64
	framesReceived      atomic.Uint64
	parseErrors         atomic.Uint64
}

// ServerStatistics contains TCP server statistics for monitoring
type ServerStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	FramesReceived      uint64 `json:"frames_received"`
	ParseErrors         uint64 `json:"parse_errors"`
	ActiveSessions      int    `json:"active_sessions"`
}

// NewTCPServer creates a new TCP transport server
func NewTCPServer(cfg *config.ServerConfig, logger *slog.Logger, sessionMgr *session.Manager, m *metrics.Metrics) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		cfg:        cfg,
		logger:     logger,
		sessionMgr: sessionMgr,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening for client connections
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.logger.Info("TCP server listening",
		slog.String("address", addr),
		slog.Int("max_sessions", s.cfg.MaxConcurrentSessions),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listener address, useful when the configured
// port is 0.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server, closing the listener and waiting for
// connection handlers to finish
func (s *TCPServer) Stop() error {
	s.logger.Info("stopping TCP server...")
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info("TCP server stopped",
		slog.Uint64("connections_accepted", s.connectionsAccepted.Load()),
		slog.Uint64("frames_received", s.framesReceived.Load()),
	)
	return err
}

// GetStatistics returns current server statistics
func (s *TCPServer) GetStatistics() ServerStatistics {
	return ServerStatistics{
		ConnectionsAccepted: s.connectionsAccepted.Load(),
		ConnectionsRejected: s.connectionsRejected.Load(),
		FramesReceived:      s.framesReceived.Load(),
		ParseErrors:         s.parseErrors.Load(),
		ActiveSessions:      s.sessionMgr.SessionCount(),
	}
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Error("accept failed", slog.String("error", err.Error()))
			continue
		}

		s.connectionsAccepted.Add(1)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection runs one connection's read loop. The connection owns
// its session: when the client disconnects the session is drained and
// removed.
func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	sender := newConnSender(conn)

	pipeline, err := s.sessionMgr.CreateSession(sender)
	if err != nil {
		s.connectionsRejected.Add(1)
		s.logger.Warn("connection rejected",
			slog.String("remote", remote),
			slog.String("error", err.Error()),
		)
		sender.SendError("too_many_sessions", "concurrent session limit reached")
		return
	}

	log := s.logger.With(
		slog.String("session_id", pipeline.ID),
		slog.String("remote", remote),
	)
	log.Info("client connected")
	sender.SendStatus("ready")

	// Drain on the way out so transcripts for audio already received
	// still reach a client that disconnected cleanly.
	defer func() {
		s.sessionMgr.RemoveSession(pipeline.ID, true)
		log.Info("client disconnected")
	}()

	// Unblock the read loop when the server shuts down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	reader := bufio.NewReaderSize(conn, s.cfg.ReadBufferSize)
	for {
		msg, err := protocol.ReadMessage(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			s.parseErrors.Add(1)
			log.Warn("malformed message, closing connection", slog.String("error", err.Error()))
			sender.SendError("protocol_error", err.Error())
			return
		}

		switch msg.Header.MsgType {
		case protocol.MsgTypeAudioFrame:
			s.framesReceived.Add(1)
			if err := pipeline.HandleFrame(msg.Audio.Sequence, msg.Audio.PCM); err != nil {
				if errors.Is(err, audio.ErrStaleFrame) {
					// Out-of-order delivery on TCP means a client bug;
					// tell it once per frame but keep the session.
					log.Debug("stale frame dropped", slog.Uint64("sequence", uint64(msg.Audio.Sequence)))
					continue
				}
				if errors.Is(err, session.ErrSessionClosed) {
					return
				}
				log.Warn("frame handling failed", slog.String("error", err.Error()))
				sender.SendError("audio_error", err.Error())
			}

		case protocol.MsgTypeControl:
			if s.handleControl(pipeline, sender, msg.Control, log) {
				return
			}

		default:
			s.parseErrors.Add(1)
			sender.SendError("protocol_error",
				fmt.Sprintf("unexpected message type 0x%02X", msg.Header.MsgType))
			return
		}
	}
}

// handleControl applies one control message. It reports whether the
// connection should close (the stream ended).
func (s *TCPServer) handleControl(p *session.Pipeline, sender *connSender, ctrl *protocol.ControlPayload, log *slog.Logger) bool {
	switch ctrl.Action {
	case protocol.ActionEndOfStream:
		log.Info("end of stream requested")
		p.EndOfStream()
		sender.SendStatus("draining")
		// Drain delivers the remaining transcripts before the final
		// status; the deferred removal then finds nothing to do.
		s.sessionMgr.RemoveSession(p.ID, true)
		sender.SendStatus("closed")
		return true

	case protocol.ActionSetLanguage:
		if ctrl.Language == "" {
			sender.SendError("invalid_control", "set_language requires a language")
			return false
		}
		p.SetLanguage(ctrl.Language)

	default:
		sender.SendError("invalid_control", fmt.Sprintf("unknown action %q", ctrl.Action))
	}
	return false
}

// writeTimeout bounds every client write so a dead peer cannot hold a
// session's delivery goroutine forever.
const writeTimeout = 10 * time.Second

// connSender delivers protocol messages over one TCP connection. Writes
// are serialized: transcripts arrive from the session's delivery
// goroutine while the reader goroutine may send errors concurrently.
type connSender struct {
	mu   sync.Mutex
	conn net.Conn
}

func newConnSender(conn net.Conn) *connSender {
	return &connSender{conn: conn}
}

// SendTranscript implements session.Sender
func (c *connSender) SendTranscript(payload protocol.TranscriptPayload, isFinal bool) error {
	data, err := protocol.EncodeTranscript(payload, isFinal)
	if err != nil {
		return err
	}
	return c.write(data)
}

// SendError implements session.Sender
func (c *connSender) SendError(kind, message string) error {
	data, err := protocol.EncodeError(protocol.ErrorPayload{Kind: kind, Message: message})
	if err != nil {
		return err
	}
	return c.write(data)
}

// SendStatus notifies the client of a session state change
func (c *connSender) SendStatus(state string) error {
	data, err := protocol.EncodeStatus(protocol.StatusPayload{State: state})
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *connSender) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(data)
	return err
}
