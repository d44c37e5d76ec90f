package auth

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

const (
	keyUser       = "auth_user"
	keyIssuedAt   = "issued_at"
	keyLastActive = "last_activity"
	keyCSRF       = "csrf_token"
)

// failure は認証系エラーのレスポンス定義です。
type failure struct {
	status  int
	code    string
	message string
}

var (
	errInvalidInput       = failure{http.StatusBadRequest, "INVALID_INPUT", "username と password を JSON で送ってください"}
	errInvalidCredentials = failure{http.StatusUnauthorized, "INVALID_CREDENTIALS", "ユーザー名またはパスワードが正しくありません"}
	errTooManyAttempts    = failure{http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "一定時間後に再度お試しください"}
	errUnauthorized       = failure{http.StatusUnauthorized, "UNAUTHORIZED", "ログインが必要です"}
	errSessionExpired     = failure{http.StatusUnauthorized, "SESSION_EXPIRED", "セッションの有効期限が切れました"}
	errSessionIdle        = failure{http.StatusUnauthorized, "SESSION_IDLE_TIMEOUT", "しばらく操作がなかったため再ログインしてください"}
	errCSRFMissing        = failure{http.StatusForbidden, "CSRF_MISSING", "CSRF トークンが設定されていません"}
	errCSRFInvalid        = failure{http.StatusForbidden, "CSRF_INVALID", "CSRF トークンが一致しません"}
	errTokenGeneration    = failure{http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "CSRF トークンの生成に失敗しました"}
	errSessionSave        = failure{http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの保存に失敗しました"}
)

func (f failure) abort(c *gin.Context, extra gin.H) {
	body := gin.H{"code": f.code, "message": f.message}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(f.status, body)
}

// loginSession はクッキーセッションに保存するログイン情報です。
type loginSession struct {
	user       string
	issuedAt   time.Time
	lastActive time.Time
	csrf       string
}

func readSession(s sessions.Session) loginSession {
	user, _ := s.Get(keyUser).(string)
	csrf, _ := s.Get(keyCSRF).(string)
	return loginSession{
		user:       user,
		issuedAt:   unixValue(s.Get(keyIssuedAt)),
		lastActive: unixValue(s.Get(keyLastActive)),
		csrf:       csrf,
	}
}

// check は期限切れや未ログインを検出します。問題なければ nil です。
func (ls loginSession) check(now time.Time, p Policy) *failure {
	switch {
	case ls.user == "":
		return &errUnauthorized
	case ls.issuedAt.IsZero() || now.Sub(ls.issuedAt) > p.SessionLifetime:
		return &errSessionExpired
	case ls.lastActive.IsZero() || now.Sub(ls.lastActive) > p.IdleTimeout:
		return &errSessionIdle
	}
	return nil
}

func startSession(s sessions.Session, user string, now time.Time) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	s.Clear()
	s.Set(keyUser, user)
	s.Set(keyIssuedAt, now.Unix())
	s.Set(keyLastActive, now.Unix())
	s.Set(keyCSRF, token)
	return token, s.Save()
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// unixValue はシリアライザによって型が変わる Unix 秒を time.Time に戻します。
func unixValue(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	}
	return time.Time{}
}
