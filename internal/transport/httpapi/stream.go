package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"notifyd/internal/kit"
	"notifyd/pkg/logx"
)

const heartbeatEvery = 30 * time.Second

// handleStream is the live in-app channel: a server-sent-events stream that
// first replays stored unread notifications, then carries pushes until the
// client goes away. Writes are serialized so the engine's per-connection
// ordering survives the transport.
func (s *Server) handleStream(c *gin.Context) {
	principal := c.GetString(ctxPrincipalID)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	var mu sync.Mutex
	writeEvent := func(event string, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	sink := func(ctx context.Context, n *kit.Notification) error {
		b, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return writeEvent("notification", b)
	}

	// Register before committing the response: a rejected principal still gets
	// a real error status.
	conn, err := s.eng.Connect(c.Request.Context(), principal, sink)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer s.eng.Disconnect(conn.ID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Info("stream opened",
		logx.String("principal", principal), logx.String("conn", conn.ID))

	// Replay what accumulated while the client was offline, oldest first, so
	// the live pushes that follow arrive in order after the backlog.
	if c.Query("replay") != "false" {
		s.replayUnread(c, principal, writeEvent)
	}

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			s.log.Info("stream closed",
				logx.String("principal", principal), logx.String("conn", conn.ID))
			return
		case <-ticker.C:
			if err := writeEvent("heartbeat", []byte(`{}`)); err != nil {
				return
			}
			s.eng.Touch(conn.ID)
		}
	}
}

func (s *Server) replayUnread(c *gin.Context, principal string, writeEvent func(string, []byte) error) {
	list, err := s.eng.ListUnread(c.Request.Context(), principal, 100)
	if err != nil {
		s.log.Warn("unread replay failed", logx.String("principal", principal), logx.Err(err))
		return
	}
	for i := len(list) - 1; i >= 0; i-- {
		b, err := json.Marshal(&list[i])
		if err != nil {
			continue
		}
		if writeEvent("backlog", b) != nil {
			return
		}
	}
}
