package handlers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/meetkit/live-transcription/internal/bridge"
	"github.com/meetkit/live-transcription/internal/protocol"
	"github.com/meetkit/live-transcription/internal/queue"
	"github.com/meetkit/live-transcription/internal/session"
	"github.com/meetkit/live-transcription/internal/types"
)

// finalizeWait bounds how long a closed connection keeps its session's
// finalize running before the handler gives up on it.
const finalizeWait = 90 * time.Second

// SessionHandler owns the /ws/session endpoint: one connection, one
// session, control messages as text frames and audio as binary frames.
type SessionHandler struct {
	providerCfg bridge.Config
	store       session.Store
	archive     session.ArchiveStore
	pool        *queue.WorkerPool

	tempDir       string
	flushInterval time.Duration
	stopDrain     time.Duration
	markGrace     time.Duration
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(
	providerCfg bridge.Config,
	store session.Store,
	archive session.ArchiveStore,
	pool *queue.WorkerPool,
	tempDir string,
	flushInterval, stopDrain, markGrace time.Duration,
) *SessionHandler {
	return &SessionHandler{
		providerCfg:   providerCfg,
		store:         store,
		archive:       archive,
		pool:          pool,
		tempDir:       tempDir,
		flushInterval: flushInterval,
		stopDrain:     stopDrain,
		markGrace:     markGrace,
	}
}

// Handle processes one session connection.
func (h *SessionHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Session events and handler responses interleave on one socket.
	var writeMu sync.Mutex
	notify := func(msg protocol.ServerMessage) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := c.WriteMessage(websocket.TextMessage, msg.Encode()); err != nil {
			log.Printf("Session write failed: %v", err)
		}
	}

	var sess *session.Session

	for {
		messageType, data, err := c.ReadMessage()
		if err != nil {
			log.Printf("Session connection closed: %v", err)
			break
		}

		if messageType == websocket.BinaryMessage {
			if sess == nil {
				continue
			}
			if err := sess.SendAudio(ctx, data); err != nil {
				log.Printf("Session %s: audio rejected: %v", sess.ID, err)
			}
			continue
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			notify(protocol.ErrorMessage("bad-request", err.Error()))
			continue
		}

		switch msg.Type {
		case protocol.TypeStart:
			if sess != nil {
				notify(protocol.ErrorMessage("bad-request", "session already started on this connection"))
				continue
			}
			sess = h.startSession(ctx, msg.Language, notify)

		case protocol.TypeMark:
			if sess == nil {
				notify(protocol.ErrorMessage("bad-request", "mark before start"))
				continue
			}
			if _, err := sess.Mark(msg.TimestampMs); err != nil {
				log.Printf("Session %s: mark rejected: %v", sess.ID, err)
			}

		case protocol.TypeStop:
			if sess != nil {
				sess.Stop()
			}
		}
	}

	if sess == nil {
		return
	}

	// Connection loss while listening is a transport failure. A connection
	// closed after a clean stop lets the finalize in flight complete.
	switch sess.State() {
	case types.StateListening:
		sess.Fail(types.ReasonTransportFailed, "client connection lost before stop")
	case types.StateStopping:
		select {
		case <-sess.Done():
		case <-time.After(finalizeWait):
			log.Printf("Session %s: finalize still running at connection teardown", sess.ID)
		}
	}
}

// startSession wires and starts one session. Configuration problems fail
// closed here with provider-unavailable, before any audio is accepted.
func (h *SessionHandler) startSession(ctx context.Context, language string, notify func(protocol.ServerMessage)) *session.Session {
	cfg := h.providerCfg
	if language != "" {
		cfg.Language = language
	}

	br, err := bridge.New(cfg)
	if err != nil {
		notify(protocol.ErrorMessage(types.ReasonProviderUnavailable, err.Error()))
		return nil
	}

	var onStopped func(string)
	if h.pool != nil {
		onStopped = h.pool.Enqueue
	}

	sess := session.New(session.Deps{
		Bridge:        br,
		Store:         h.store,
		Archive:       h.archive,
		Notify:        notify,
		OnStopped:     onStopped,
		TempDir:       h.tempDir,
		FlushInterval: h.flushInterval,
		StopDrain:     h.stopDrain,
		MarkGrace:     h.markGrace,
	})

	if err := sess.Start(ctx, language); err != nil {
		notify(protocol.ErrorMessage(session.StartReason(err), err.Error()))
		return nil
	}

	notify(protocol.ServerMessage{Type: protocol.TypeStarted, SessionID: sess.ID})
	return sess
}
