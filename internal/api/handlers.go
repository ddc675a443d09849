package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/adaptive-therapy-server/internal/domain"
	"github.com/adaptive-therapy-server/internal/middleware"
	"github.com/adaptive-therapy-server/internal/service"
)

// predictRequest carries a single round's metrics. Reaction time is the mean
// per-item time in seconds, matching what the games report.
type predictRequest struct {
	Accuracy *float64 `json:"accuracy" binding:"required"`
	AvgTime  *float64 `json:"avg_time" binding:"required"`
}

// handlePredict runs a stateless difficulty prediction.
func (s *Server) handlePredict(c *gin.Context) {
	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accuracy and avg_time are required"})
		return
	}

	pred, err := s.engine.PredictLevel(c.Request.Context(), *req.Accuracy, *req.AvgTime)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pred)
}

type recordPlayRequest struct {
	PatientID string   `json:"patient_id"`
	SessionID *string  `json:"session_id"`
	GameName  string   `json:"game_name" binding:"required"`
	Accuracy  *float64 `json:"accuracy" binding:"required"`
	AvgTime   *float64 `json:"avg_time" binding:"required"`
}

// handleRecordPlay records one finished round. Patients record for
// themselves; therapists may record on a patient's behalf by naming them.
func (s *Server) handleRecordPlay(c *gin.Context) {
	var req recordPlayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "game_name, accuracy and avg_time are required"})
		return
	}

	callerID := middleware.CallerID(c)
	role := middleware.CallerRole(c)
	patientID := req.PatientID
	if patientID == "" {
		patientID = callerID
	}

	outcome, pred, err := s.engine.RecordPlay(c.Request.Context(),
		callerID, role, patientID, req.SessionID, req.GameName, *req.Accuracy, *req.AvgTime)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"outcome":        outcome,
		"prediction":     pred.Label,
		"recommendation": pred.Recommendation,
		"confidence":     pred.Confidence,
	})
}

type createSessionRequest struct {
	PatientID string     `json:"patient_id" binding:"required"`
	Title     string     `json:"title"`
	StartTime time.Time  `json:"start_time" binding:"required"`
	EndTime   *time.Time `json:"end_time"`
	Games     []string   `json:"games"`
	Location  string     `json:"location"`
	Notes     string     `json:"notes"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "patient_id and start_time are required"})
		return
	}

	session := &domain.Session{
		PatientID: req.PatientID,
		Title:     req.Title,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Games:     req.Games,
		Location:  req.Location,
		Notes:     req.Notes,
	}

	created, err := s.engine.CreateSession(c.Request.Context(),
		middleware.CallerID(c), middleware.CallerRole(c), session)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.engine.GetSession(c.Request.Context(),
		middleware.CallerID(c), middleware.CallerRole(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type updateSessionRequest struct {
	Title     *string    `json:"title"`
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Location  *string    `json:"location"`
	Notes     *string    `json:"notes"`
}

// handleUpdateSession edits a scheduled session's fields. Omitted fields are
// left untouched.
func (s *Server) handleUpdateSession(c *gin.Context) {
	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	updated, err := s.engine.UpdateSession(c.Request.Context(),
		middleware.CallerID(c), middleware.CallerRole(c), c.Param("id"), service.SessionUpdate{
			Title:     req.Title,
			StartTime: req.StartTime,
			EndTime:   req.EndTime,
			Location:  req.Location,
			Notes:     req.Notes,
		})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	err := s.engine.DeleteSession(c.Request.Context(),
		middleware.CallerID(c), middleware.CallerRole(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleListSessions lists the caller's sessions in a window. Defaults to
// the next 30 days.
func (s *Server) handleListSessions(c *gin.Context) {
	now := time.Now().UTC()
	from, to := now.AddDate(0, 0, -30), now.AddDate(0, 0, 30)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = t
	}

	sessions, err := s.engine.ListSessions(c.Request.Context(),
		middleware.CallerID(c), middleware.CallerRole(c), from, to)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleListUpcoming(c *gin.Context) {
	limit := 10
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}
	sessions, err := s.engine.ListUpcoming(c.Request.Context(), middleware.CallerID(c), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

type assignGamesRequest struct {
	Games []string `json:"games" binding:"required"`
}

func (s *Server) handleAssignGames(c *gin.Context) {
	var req assignGamesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "games is required"})
		return
	}

	err := s.engine.AssignGames(c.Request.Context(),
		middleware.CallerID(c), middleware.CallerRole(c), c.Param("id"), req.Games)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "games": req.Games})
}

// handleGameWindow reports whether the session's games are currently
// playable, plus the assigned set.
func (s *Server) handleGameWindow(c *gin.Context) {
	enabled, games, err := s.engine.GameWindow(c.Request.Context(),
		middleware.CallerID(c), middleware.CallerRole(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled, "games": games})
}

// handleAuthorizePlay is the side-effect-free pre-flight check games run
// before submitting a result.
func (s *Server) handleAuthorizePlay(c *gin.Context) {
	gameName := c.Query("game")
	if gameName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "game query parameter is required"})
		return
	}

	err := s.engine.AuthorizePlay(c.Request.Context(),
		middleware.CallerID(c), middleware.CallerRole(c), c.Param("id"), gameName)
	if err != nil {
		if reason, denied := domain.IsDenied(err); denied {
			c.JSON(http.StatusOK, gin.H{"authorized": false, "reason": reason})
			return
		}
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorized": true})
}

func (s *Server) handleCompleteSession(c *gin.Context) {
	profile, err := s.engine.CompleteSession(c.Request.Context(), middleware.CallerID(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "profile": profile})
}

func (s *Server) handleCancelSession(c *gin.Context) {
	err := s.engine.CancelSession(c.Request.Context(), middleware.CallerID(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "status": domain.StatusCancelled})
}

func (s *Server) handlePatientStats(c *gin.Context) {
	stats, err := s.engine.PatientStats(c.Request.Context(),
		middleware.CallerID(c), middleware.CallerRole(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// respondError maps domain errors onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Message, "field": verr.Field})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrModelUnavailable):
		s.log.WithField("error", err).Error("Classifier unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classifier unavailable"})
	default:
		if reason, denied := domain.IsDenied(err); denied {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "reason": reason})
			return
		}
		s.log.WithFields(logrus.Fields{
			"path":  c.Request.URL.Path,
			"error": err,
		}).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
