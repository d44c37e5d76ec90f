package auth

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は /api/auth/login のハンドラーです。成功時は 204 と X-CSRF-Token を返します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errInvalidInput.abort(c, nil)
		return
	}
	if err := m.configured(); err != nil {
		failure{http.StatusInternalServerError, "SERVER_MISCONFIGURATION", err.Error()}.abort(c, nil)
		return
	}

	client := c.ClientIP()
	now := m.now()
	if wait := m.throttle.locked(client, now); wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		errTooManyAttempts.abort(c, nil)
		return
	}

	if !m.authenticate(req.Username, req.Password) {
		remaining, lockedNow := m.throttle.fail(client, now)
		if lockedNow {
			m.logger.Warn().Str("client_ip", client).Msg("login locked after repeated failures")
		}
		errInvalidCredentials.abort(c, gin.H{"remainingAttempts": remaining})
		return
	}
	m.throttle.reset(client)

	token, err := startSession(sessions.Default(c), m.creds.Username, now)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to start session")
		if token == "" {
			errTokenGeneration.abort(c, nil)
		} else {
			errSessionSave.abort(c, nil)
		}
		return
	}

	m.logger.Info().Str("user", m.creds.Username).Str("client_ip", client).Msg("login succeeded")
	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	if err := s.Save(); err != nil {
		failure{http.StatusInternalServerError, errSessionSave.code, "セッションの削除に失敗しました"}.abort(c, nil)
		return
	}
	c.Status(http.StatusNoContent)
}
