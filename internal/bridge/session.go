package bridge

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatfuse/internal/chat"
	"chatfuse/internal/logger"
	"chatfuse/pkg/metrics"
)

const maxFrameSize = 64 * 1024

// session is one open extension connection. It owns nothing persistent:
// accepted payloads are handed to the server's emitter and forgotten.
type session struct {
	id       string
	hint     chat.Platform
	conn     *websocket.Conn
	server   *Server
	log      logger.Logger
	limiter  *rate.Limiter
	writeMu  sync.Mutex
	closeOne sync.Once
}

// readLoop drives the session until the peer closes or the transport errors.
// A malformed frame never closes the connection; only read errors do.
func (s *session) readLoop() {
	defer s.close()

	s.conn.SetReadLimit(maxFrameSize)
	s.resetReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.resetReadDeadline()
		return nil
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warnw("session read error", "error", err)
			}
			return
		}

		if !s.limiter.Allow() {
			metrics.BridgeFramesTotal.WithLabelValues("flood_dropped").Inc()
			continue
		}

		s.handleFrame(frame)
	}
}

// handleFrame decodes one text frame. Frames are newline-delimited JSON, so
// a single frame may batch several envelopes; a decode error drops the frame
// from that point on without touching envelopes already handled.
func (s *session) handleFrame(frame []byte) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			if !errors.Is(err, io.EOF) {
				metrics.BridgeFramesTotal.WithLabelValues("malformed").Inc()
				s.log.Warnw("malformed frame dropped", "error", err)
			}
			return
		}
		s.handleEnvelope(env)
	}
}

func (s *session) handleEnvelope(env envelope) {
	metrics.BridgeFramesTotal.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case frameTypeComment:
		msg, ok, defaulted := env.Data.toMessage(s.hint)
		if !ok {
			return
		}
		if defaulted {
			s.log.Warnw("comment without platform, defaulting",
				"platform", chat.PlatformInstagram.String())
		}
		s.server.EmitMessage(msg)
	case frameTypeConnected:
		s.log.Infow("extension connected",
			"platform", env.Platform, "url", env.URL)
	case frameTypeStatus:
		s.log.Debugw("extension status frame")
	case frameTypePong:
		s.resetReadDeadline()
	default:
		// Unrecognized types are ignored, not errors.
	}
}

// pingLoop keeps the connection alive with JSON ping frames the extension
// answers with pong frames.
func (s *session) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.server.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeJSON(envelope{Type: frameTypePing}); err != nil {
				s.close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *session) writeJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) resetReadDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.PongTimeout))
}

func (s *session) close() {
	s.closeOne.Do(func() {
		_ = s.conn.Close()
		s.server.removeSession(s)
	})
}
