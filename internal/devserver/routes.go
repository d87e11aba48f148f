package devserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Srey123/seostream/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *server) registerRoutes(r *gin.Engine) {
	api := r.Group("/api")
	api.POST("/login", s.handleLogin)
	api.POST("/records", s.handleCreateRecord)
	api.PUT("/records/:id", s.handleUpdateRecord)
	api.GET("/records/:id", s.handleGetRecord)
	api.GET("/history", s.handleHistory)

	r.GET("/generate-stream", s.handleStream)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type recordRequest struct {
	PrincipalID string   `json:"principal_id"`
	Topic       string   `json:"topic"`
	Content     string   `json:"content"`
	SEOScore    *float64 `json:"seo_score"`
	Iterations  int      `json:"iterations"`
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "message": msg})
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, err := Authenticate(s.db, req.Email, req.Password)
	if errors.Is(err, ErrBadCredentials) {
		fail(c, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if err != nil {
		s.log.Error("login failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "Login failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user_id": user.ID, "user_name": user.Name})
}

// bindRecord decodes and checks a create or update body.
func bindRecord(c *gin.Context) (recordRequest, bool) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	req.Topic = strings.TrimSpace(req.Topic)
	switch {
	case req.PrincipalID == "":
		fail(c, http.StatusUnauthorized, "principal_id is required")
		return req, false
	case req.Topic == "":
		fail(c, http.StatusBadRequest, "topic is required")
		return req, false
	case req.SEOScore != nil && (*req.SEOScore < 0 || *req.SEOScore > 10):
		fail(c, http.StatusBadRequest, "seo_score must be between 0 and 10")
		return req, false
	case req.Iterations < 0:
		fail(c, http.StatusBadRequest, "iterations must not be negative")
		return req, false
	}
	return req, true
}

func savedJSON(rec *models.Record) gin.H {
	return gin.H{
		"success": true,
		"record": gin.H{
			"id":           rec.ID,
			"generated_at": timestamp(rec.GeneratedAt),
			"seo_score":    rec.SEOScore,
			"iterations":   rec.Iterations,
		},
	}
}

func (s *server) handleCreateRecord(c *gin.Context) {
	req, ok := bindRecord(c)
	if !ok {
		return
	}
	rec := models.Record{
		PrincipalID: req.PrincipalID,
		Topic:       req.Topic,
		Content:     req.Content,
		SEOScore:    req.SEOScore,
		Iterations:  req.Iterations,
		GeneratedAt: time.Now().UTC(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		s.log.Error("create record failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to save blog")
		return
	}
	s.log.Debug("record created", zap.Uint("record_id", rec.ID), zap.String("principal", rec.PrincipalID))
	c.JSON(http.StatusCreated, savedJSON(&rec))
}

// loadRecord resolves the :id parameter, writing the failure response
// itself when the record cannot be returned.
func (s *server) loadRecord(c *gin.Context) (*models.Record, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "Invalid record id")
		return nil, false
	}
	var rec models.Record
	if err := s.db.First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, "Record not found")
			return nil, false
		}
		s.log.Error("load record failed", zap.Uint64("record_id", id), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to load record")
		return nil, false
	}
	return &rec, true
}

func (s *server) handleUpdateRecord(c *gin.Context) {
	rec, ok := s.loadRecord(c)
	if !ok {
		return
	}
	req, ok := bindRecord(c)
	if !ok {
		return
	}
	if req.PrincipalID != rec.PrincipalID {
		fail(c, http.StatusForbidden, "Record belongs to another user")
		return
	}
	rec.Topic = req.Topic
	rec.Content = req.Content
	if req.SEOScore != nil {
		rec.SEOScore = req.SEOScore
	}
	rec.Iterations = req.Iterations
	rec.GeneratedAt = time.Now().UTC()
	if err := s.db.Save(rec).Error; err != nil {
		s.log.Error("update record failed", zap.Uint("record_id", rec.ID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to update blog")
		return
	}
	c.JSON(http.StatusOK, savedJSON(rec))
}

func (s *server) handleGetRecord(c *gin.Context) {
	rec, ok := s.loadRecord(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"record": gin.H{
			"id":           rec.ID,
			"topic":        rec.Topic,
			"content":      rec.Content,
			"seo_score":    rec.SEOScore,
			"iterations":   rec.Iterations,
			"generated_at": timestamp(rec.GeneratedAt),
		},
	})
}

func (s *server) handleHistory(c *gin.Context) {
	principal := c.Query("principal_id")
	if principal == "" {
		fail(c, http.StatusBadRequest, "principal_id is required")
		return
	}
	var recs []models.Record
	if err := s.db.Select("id", "topic", "seo_score", "generated_at").
		Where("principal_id = ?", principal).
		Order("generated_at DESC").Order("id DESC").
		Find(&recs).Error; err != nil {
		s.log.Error("history query failed", zap.String("principal", principal), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to load history")
		return
	}
	history := make([]gin.H, 0, len(recs))
	for _, r := range recs {
		history = append(history, gin.H{
			"id":           r.ID,
			"topic":        r.Topic,
			"generated_at": timestamp(r.GeneratedAt),
			"seo_score":    r.SEOScore,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "history": history})
}
