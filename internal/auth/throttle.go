package auth

import (
	"sync"
	"time"
)

type attempts struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

// throttle はクライアント単位でログイン失敗を数え、上限に達したら一定時間ロックします。
type throttle struct {
	limit   int
	window  time.Duration
	lockFor time.Duration

	mu      sync.Mutex
	clients map[string]*attempts
}

func newThrottle(limit int, window, lockFor time.Duration) *throttle {
	if limit <= 0 {
		limit = DefaultPolicy.MaxAttempts
	}
	return &throttle{
		limit:   limit,
		window:  window,
		lockFor: lockFor,
		clients: make(map[string]*attempts),
	}
}

// locked はロック中なら残り時間を返します。
func (t *throttle) locked(client string, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.clients[client]
	if !ok || !now.Before(a.lockedUntil) {
		return 0
	}
	return a.lockedUntil.Sub(now)
}

// fail は失敗を1件記録し、ロックまでの残り回数を返します。
func (t *throttle) fail(client string, now time.Time) (remaining int, lockedNow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)

	a, ok := t.clients[client]
	if !ok || now.Sub(a.windowStart) > t.window {
		a = &attempts{windowStart: now}
		t.clients[client] = a
	}
	a.failures = min(a.failures+1, t.limit)
	if a.failures == t.limit {
		a.lockedUntil = now.Add(t.lockFor)
		return 0, true
	}
	return t.limit - a.failures, false
}

func (t *throttle) reset(client string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, client)
}

// pruneLocked は期間もロックも過ぎた記録を捨てます。
func (t *throttle) pruneLocked(now time.Time) {
	for client, a := range t.clients {
		if now.Sub(a.windowStart) > t.window && !now.Before(a.lockedUntil) {
			delete(t.clients, client)
		}
	}
}
