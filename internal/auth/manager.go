// Package auth はログインセッションと CSRF 保護を提供します。
package auth

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	SessionCookieName = "dr_session"
	csrfHeader        = "X-CSRF-Token"

	// AnonymousUser は認証が無効な開発環境で使うユーザー名です。
	AnonymousUser = "anonymous"

	// ContextUserKey はログイン済みユーザー名を gin.Context に載せるキーです。
	ContextUserKey = "auth.user"
)

// Policy はセッション期限とログイン試行制限の設定です。
type Policy struct {
	SessionLifetime time.Duration
	IdleTimeout     time.Duration
	AttemptWindow   time.Duration
	LockDuration    time.Duration
	MaxAttempts     int
}

// DefaultPolicy は本番で使う既定値です。
var DefaultPolicy = Policy{
	SessionLifetime: 12 * time.Hour,
	IdleTimeout:     30 * time.Minute,
	AttemptWindow:   15 * time.Minute,
	LockDuration:    10 * time.Minute,
	MaxAttempts:     5,
}

// SessionMaxAgeSeconds はクッキーの MaxAge に使う秒数です。
func SessionMaxAgeSeconds() int {
	return int(DefaultPolicy.SessionLifetime.Seconds())
}

// Credentials はログインに使う資格情報です。
type Credentials struct {
	Username     string
	PasswordHash string // bcrypt
	// AllowAnonymous が true かつ Username が空の場合、ログインなしで API を使えます。
	AllowAnonymous bool
}

// Manager はログイン・セッション検証・CSRF 検証をまとめます。
type Manager struct {
	creds    Credentials
	policy   Policy
	throttle *throttle
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager は DefaultPolicy で Manager を作成します。
func NewManager(creds Credentials, logger zerolog.Logger) *Manager {
	return NewManagerWithPolicy(creds, DefaultPolicy, logger)
}

// NewManagerWithPolicy は期限や試行回数を指定して Manager を作成します。
func NewManagerWithPolicy(creds Credentials, policy Policy, logger zerolog.Logger) *Manager {
	m := &Manager{
		creds:    creds,
		policy:   policy,
		throttle: newThrottle(policy.MaxAttempts, policy.AttemptWindow, policy.LockDuration),
		logger:   logger.With().Str("component", "auth").Logger(),
		now:      time.Now,
	}
	if m.anonymous() {
		m.logger.Warn().Msg("APP_USERNAME is not set; drawing API is open without login")
	}
	return m
}

func (m *Manager) anonymous() bool {
	return m.creds.AllowAnonymous && m.creds.Username == ""
}

func (m *Manager) configured() error {
	switch {
	case m.creds.Username == "":
		return errors.New("APP_USERNAME が設定されていません")
	case m.creds.PasswordHash == "":
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	}
	return nil
}

// authenticate はユーザー名とパスワードを照合します。ユーザー名が違っても bcrypt を実行します。
func (m *Manager) authenticate(username, password string) bool {
	hashErr := bcrypt.CompareHashAndPassword([]byte(m.creds.PasswordHash), []byte(password))
	return username == m.creds.Username && hashErr == nil
}
