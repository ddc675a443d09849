package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/adaptive-therapy-server/internal/middleware"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// The upstream auth layer terminates the browser origin checks; this service
// sits behind it and accepts the forwarded upgrade.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleNotificationFeed upgrades the connection and streams the caller's
// notifications from the Redis channel until either side goes away.
func (s *Server) handleNotificationFeed(c *gin.Context) {
	if s.feed == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "notification feed is disabled"})
		return
	}

	userID := middleware.CallerID(c)

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithField("error", err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.feed.Subscribe(c.Request.Context(), userID)
	defer sub.Close()

	s.log.WithField("user_id", userID).Info("Notification feed opened")

	// Reader goroutine: drains client frames and surfaces the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				s.log.WithFields(logrus.Fields{
					"user_id": userID,
					"error":   err,
				}).Debug("Notification feed write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
