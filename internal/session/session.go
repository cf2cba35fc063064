package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"deriflow/logger"
	"deriflow/models"
)

// expiryBuffer is subtracted from the token lifetime: a token within this
// window of its expiry is treated as already stale so in-flight requests do
// not race the venue-side cutoff.
const expiryBuffer = 60 * time.Second

// Caller is the one-shot request transport the manager authenticates
// through. An empty token means an unauthenticated call.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}, token string) models.RPCResponse
}

// Manager owns the access token and its expiry. Token and expiry are only
// ever replaced together under the lock; a failed refresh leaves the
// previous session untouched.
type Manager struct {
	client       Caller
	clientID     string
	clientSecret string
	log          *logger.Log

	mu          sync.Mutex
	accessToken string
	expiry      time.Time
	now         func() time.Time
}

func NewManager(client Caller, clientID, clientSecret string) *Manager {
	return &Manager{
		client:       client,
		clientID:     clientID,
		clientSecret: clientSecret,
		log:          logger.GetLogger(),
		now:          time.Now,
	}
}

// EnsureValid reports whether a usable token is held, refreshing it first
// when needed. Concurrent callers are serialized by the lock: a caller that
// waited out another caller's refresh re-checks freshness instead of
// triggering a second one.
func (m *Manager) EnsureValid(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.validLocked() {
		return true
	}
	return m.authenticateLocked(ctx)
}

// Authenticate performs the credential exchange unconditionally.
func (m *Manager) Authenticate(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticateLocked(ctx)
}

// Token returns the current access token and whether it is still usable.
func (m *Manager) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.validLocked() {
		return "", false
	}
	return m.accessToken, true
}

func (m *Manager) validLocked() bool {
	if m.accessToken == "" {
		return false
	}
	return m.now().Add(expiryBuffer).Before(m.expiry)
}

func (m *Manager) authenticateLocked(ctx context.Context) bool {
	log := m.log.WithComponent("session")

	params := map[string]interface{}{
		"client_id":     m.clientID,
		"client_secret": m.clientSecret,
		"grant_type":    "client_credentials",
	}

	resp := m.client.Call(ctx, "public/auth", params, "")
	if len(resp.Result) == 0 {
		if resp.Error != nil {
			log.WithFields(logger.Fields{"error": resp.ErrorMessage()}).Error("authentication failed")
		} else {
			log.Error("authentication failed: empty response")
		}
		return false
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.AccessToken == "" {
		log.WithFields(logger.Fields{"response": string(resp.Result)}).Error("authentication response missing access_token")
		return false
	}

	m.accessToken = result.AccessToken
	m.expiry = m.now().Add(time.Duration(result.ExpiresIn) * time.Second)
	log.Info("authentication successful, access token acquired")
	return true
}
