package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nvoss/chatstream"
	"github.com/nvoss/chatstream/middleware"
)

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      userView  `json:"user"`
}

type userView struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Nick  string `json:"nick,omitempty"`
	Class string `json:"class"`
}

func sessionView(res *chatstream.EstablishResult) sessionResponse {
	return sessionResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
		User: userView{
			ID:    res.Subject.ID,
			Email: res.Subject.Email,
			Nick:  res.Subject.Nick,
			Class: string(res.Subject.Class),
		},
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credentials payload"})
		return
	}

	ctx := chatstream.WithClientIP(c.Request.Context(), c.ClientIP())
	res, err := s.engine.Login(ctx, req.Email, req.Password)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(res))
}

func (s *Server) handleGuestLogin(c *gin.Context) {
	res, err := s.engine.GuestLogin(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(res))
}

func (s *Server) handleLogout(c *gin.Context) {
	raw := middleware.BearerToken(c)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	if err := s.engine.Logout(c.Request.Context(), raw); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

func (s *Server) handleChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password payload"})
		return
	}

	p := s.principal(c)
	if p.IsGuest() {
		c.JSON(http.StatusForbidden, gin.H{"error": "guests have no password"})
		return
	}

	n, err := s.engine.ChangePassword(c.Request.Context(), p.SubjectID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revokedSessions": n})
}

type modelView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MaxTokens int    `json:"maxTokens"`
}

// handleModels lists the configured models the caller's class may use.
func (s *Server) handleModels(c *gin.Context) {
	p := s.principal(c)
	ent := s.engine.Entitlements(p.Class)

	models, err := s.db.Models()
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]modelView, 0, len(models))
	for _, m := range models {
		if !ent.AllowsModel(m.ID) {
			continue
		}
		out = append(out, modelView{ID: m.ID, Name: m.Name, MaxTokens: m.MaxTokens})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}
