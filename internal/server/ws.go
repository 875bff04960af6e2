package server

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kevinraymond/stt-server/internal/audio"
	"github.com/kevinraymond/stt-server/internal/protocol"
	"github.com/kevinraymond/stt-server/internal/session"
)

// wsClientMessage is any inbound WebSocket message. Audio data travels
// base64-encoded inside JSON; the server assigns frame sequence numbers
// from message order, which WebSocket guarantees.
type wsClientMessage struct {
	Type     string `json:"type"` // "start", "audio", "stop", "set_language"
	Language string `json:"language,omitempty"`
	Data     string `json:"data,omitempty"` // base64 PCM16LE mono
}

// wsServerMessage is any outbound WebSocket message
type wsServerMessage struct {
	Type     string `json:"type"` // "status", "transcript", "error"
	State    string `json:"state,omitempty"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
	// Timing fields are pointers so a transcript starting at 0ms still
	// carries start_ms while status and error messages omit it.
	StartMs *int64 `json:"start_ms,omitempty"`
	EndMs   *int64 `json:"end_ms,omitempty"`
	IsFinal *bool  `json:"is_final,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Message  string `json:"message,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Local service; browsers on the same host are the only callers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler serves the WebSocket transport. It speaks JSON instead of the
// binary framing but feeds the same session pipeline.
type WSHandler struct {
	logger     *slog.Logger
	sessionMgr *session.Manager
}

// NewWSHandler creates a WebSocket transport handler
func NewWSHandler(sessionMgr *session.Manager, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{logger: logger, sessionMgr: sessionMgr}
}

// ServeHTTP upgrades the connection and runs the session until the client
// stops or disconnects
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sender := &wsSender{conn: conn}

	pipeline, err := h.sessionMgr.CreateSession(sender)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			sender.SendError("too_many_sessions", "concurrent session limit reached")
		} else {
			sender.SendError("internal_error", "session could not be created")
		}
		return
	}

	log := h.logger.With(
		slog.String("session_id", pipeline.ID),
		slog.String("remote", r.RemoteAddr),
	)
	log.Info("websocket client connected")
	sender.sendStatus("ready")

	defer func() {
		h.sessionMgr.RemoveSession(pipeline.ID, true)
		log.Info("websocket client disconnected")
	}()

	var sequence uint32
	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			log.Debug("websocket read failed", slog.String("error", err.Error()))
			return
		}

		switch msg.Type {
		case "start":
			if msg.Language != "" {
				pipeline.SetLanguage(msg.Language)
			}
			sender.sendStatus("ready")

		case "audio":
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				sender.SendError("protocol_error", "audio data is not valid base64")
				continue
			}
			if len(pcm) == 0 || len(pcm)%2 != 0 {
				sender.SendError("audio_error", "audio data must be non-empty 16-bit PCM")
				continue
			}
			sequence++
			if err := pipeline.HandleFrame(sequence, pcm); err != nil {
				if errors.Is(err, session.ErrSessionClosed) {
					return
				}
				if !errors.Is(err, audio.ErrStaleFrame) {
					sender.SendError("audio_error", err.Error())
				}
			}

		case "stop":
			log.Info("stop requested")
			pipeline.EndOfStream()
			sender.sendStatus("draining")
			// Draining happens in the deferred removal; after it the
			// client gets a final status before the socket closes.
			h.sessionMgr.RemoveSession(pipeline.ID, true)
			sender.sendStatus("closed")
			return

		case "set_language":
			if msg.Language == "" {
				sender.SendError("invalid_control", "set_language requires a language")
				continue
			}
			pipeline.SetLanguage(msg.Language)

		default:
			sender.SendError("protocol_error", "unknown message type "+msg.Type)
		}
	}
}

// wsSender delivers JSON messages over one WebSocket connection with
// serialized writes
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// SendTranscript implements session.Sender
func (s *wsSender) SendTranscript(p protocol.TranscriptPayload, isFinal bool) error {
	final := isFinal
	start, end := p.StartMs, p.EndMs
	return s.send(wsServerMessage{
		Type:     "transcript",
		Text:     p.Text,
		Language: p.Language,
		StartMs:  &start,
		EndMs:    &end,
		IsFinal:  &final,
	})
}

// SendError implements session.Sender
func (s *wsSender) SendError(kind, message string) error {
	return s.send(wsServerMessage{Type: "error", Kind: kind, Message: message})
}

func (s *wsSender) sendStatus(state string) error {
	return s.send(wsServerMessage{Type: "status", State: state})
}

func (s *wsSender) send(msg wsServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}
