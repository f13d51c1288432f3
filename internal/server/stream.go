package server

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"webpilot/internal/logging"
)

// frameInterval paces the browser stream at roughly 20 frames per second.
const frameInterval = 50 * time.Millisecond

// suspiciousFrameSize flags frames too small to be a real screenshot.
const suspiciousFrameSize = 1024

// StreamSource is a live browser session the stream can draw frames from.
type StreamSource interface {
	Screenshot(ctx context.Context) ([]byte, error)
	Active() bool
}

// Streams is the registry of streamable sessions.
type Streams struct {
	mu      sync.RWMutex
	sources map[string]StreamSource
}

// NewStreams creates an empty session registry.
func NewStreams() *Streams {
	return &Streams{sources: make(map[string]StreamSource)}
}

// Register makes a session available for streaming.
func (st *Streams) Register(sessionID string, src StreamSource) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sources[sessionID] = src
}

// Unregister removes a session.
func (st *Streams) Unregister(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sources, sessionID)
}

func (st *Streams) get(sessionID string) (StreamSource, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	src, ok := st.sources[sessionID]
	return src, ok
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// browserStream pushes session screenshots over a websocket at the frame
// interval, skipping frames identical to the previous one. The stream ends
// within one frame interval of the session going inactive.
func (s *Server) browserStream(c *gin.Context) {
	sessionID := c.Query("sessionId")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.TaskWarn("Stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	src, ok := s.streams.get(sessionID)
	if sessionID == "" || !ok {
		closeWithError(conn, websocket.ClosePolicyViolation, "unknown session")
		return
	}

	// Reader goroutine notices the client going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	var lastFrame []byte
	for {
		select {
		case <-clientGone:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}

		if !src.Active() {
			closeWith(conn, websocket.CloseNormalClosure, "session ended")
			return
		}

		frame, err := src.Screenshot(c.Request.Context())
		if err != nil {
			logging.TaskWarn("Stream %s screenshot failed: %v", sessionID, err)
			closeWithError(conn, websocket.CloseInternalServerErr, "screenshot failed")
			return
		}
		if len(frame) < suspiciousFrameSize {
			logging.TaskDebug("Stream %s produced a suspicious %d byte frame", sessionID, len(frame))
		}
		if bytes.Equal(frame, lastFrame) {
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
		lastFrame = frame
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

// closeWithError sends the error event as JSON before the close frame, so
// clients that only read data messages still see what went wrong.
func closeWithError(conn *websocket.Conn, code int, message string) {
	_ = conn.WriteJSON(map[string]string{"type": "error", "message": message})
	closeWith(conn, code, message)
}

// pageStream adapts a live browser page to the stream source contract.
type pageStream struct {
	page interface {
		Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
		IsClosed() bool
	}
}

func (p *pageStream) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Screenshot(ctx, false)
}

func (p *pageStream) Active() bool { return !p.page.IsClosed() }
