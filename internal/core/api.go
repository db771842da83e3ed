package core

import (
	"net/http"
	"strconv"

	"github.com/amoylab/timerbridge/internal/bridge"
	"github.com/amoylab/timerbridge/internal/session"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 50

// SessionView is a live session as reported by GET /api/sessions. State and
// Stats are only known for sessions held by this instance.
type SessionView struct {
	*session.Meta
	State string        `json:"state,omitempty"`
	Stats *bridge.Stats `json:"stats,omitempty"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	conns, err := s.sessions.List(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	views := make([]SessionView, 0, len(conns))
	for _, conn := range conns {
		view := SessionView{Meta: conn.Meta()}
		if b := s.bridgeOf(conn.Meta().ID); b != nil {
			stats := b.Stats()
			view.State = b.State().String()
			view.Stats = &stats
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (s *Server) handleListHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	records, err := s.history.List(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list session history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list session history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}
