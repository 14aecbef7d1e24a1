// Package memory provides the in-memory implementations of the per-tenant
// session store and sliding-window rate limiter. Both run a background
// compaction goroutine owned by the tenant and stopped on tenant teardown.
package memory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kaylacar/agent-door/internal/domain/session"
)

// DefaultCompactionInterval is how often expired sessions are purged.
const DefaultCompactionInterval = time.Minute

// SessionStore implements session.Store with an in-memory map.
// Thread-safe for concurrent access. A background goroutine purges
// expired sessions; Destroy stops it and drops all entries.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	ttl      time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	logger   *slog.Logger
}

// NewSessionStore creates a session store with the default TTL and
// compaction interval and starts its compaction goroutine.
func NewSessionStore(logger *slog.Logger) *SessionStore {
	return NewSessionStoreWithConfig(session.DefaultTTL, DefaultCompactionInterval, logger)
}

// NewSessionStoreWithConfig creates a session store with custom TTL and
// compaction interval and starts its compaction goroutine.
func NewSessionStoreWithConfig(ttl, compactionInterval time.Duration, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SessionStore{
		sessions: make(map[string]*session.Session),
		ttl:      ttl,
		stopChan: make(chan struct{}),
		logger:   logger,
	}
	s.wg.Add(1)
	go s.compactLoop(compactionInterval)
	return s
}

// Create issues a new session with a snapshot of the given capability names.
func (s *SessionStore) Create(capabilities []string) (*session.Session, error) {
	token, err := session.GenerateToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	sess := &session.Session{
		Token:        token,
		Capabilities: caps,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[token] = sess
	s.mu.Unlock()
	return sess, nil
}

// Validate returns the session for a token, or session.ErrNotFound when
// the token is unknown or expired. An expired entry is evicted here
// rather than waiting for the next compaction pass.
func (s *SessionStore) Validate(token string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil, session.ErrNotFound
	}
	if sess.IsExpired() {
		delete(s.sessions, token)
		return nil, session.ErrNotFound
	}
	return sess, nil
}

// End removes a session. Unknown tokens are ignored.
func (s *SessionStore) End(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Destroy stops the compaction goroutine and drops all entries.
// Safe to call multiple times.
func (s *SessionStore) Destroy() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()

	s.mu.Lock()
	s.sessions = make(map[string]*session.Session)
	s.mu.Unlock()
}

// Size returns the number of sessions currently stored, expired or not.
func (s *SessionStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) compactLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.compact()
		}
	}
}

func (s *SessionStore) compact() {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for token, sess := range s.sessions {
		if sess.IsExpired() {
			delete(s.sessions, token)
			purged++
		}
	}
	if purged > 0 {
		s.logger.Debug("purged expired sessions", "count", purged)
	}
}

// Compile-time interface verification.
var _ session.Store = (*SessionStore)(nil)
