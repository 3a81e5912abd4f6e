// Package session tracks live workflow sessions: mode, recent
// conversation turns, and last-interaction time. Sessions expire after
// a configured idle TTL; a background sweep runs at half the TTL, and
// access past the TTL resets the session in place.
package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/observability"
)

// maxTurnsPerSession bounds stored history per session; the oldest
// turns fall off first.
const maxTurnsPerSession = 100

// ErrNotFound reports an operation against an unknown or expired
// session id.
var ErrNotFound = errors.New("session not found")

// Session is one tracked conversation. Store methods return copies;
// mutate through the store.
type Session struct {
	ID              string        `json:"id"`
	Mode            string        `json:"mode,omitempty"`
	History         []llm.Message `json:"history,omitempty"`
	Turns           int           `json:"turns"`
	CreatedAt       time.Time     `json:"created_at"`
	LastInteraction time.Time     `json:"last_interaction"`
}

// Store is the in-memory TTL session map. Safe for concurrent use.
type Store struct {
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds the store and starts its eviction sweep.
func New(cfg config.SessionConfig, metrics *observability.Metrics, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL()
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &Store{
		ttl:      ttl,
		metrics:  metrics,
		logger:   logger.With("component", "sessions"),
		sessions: map[string]*Session{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// TTL reports the configured idle expiry.
func (s *Store) TTL() time.Duration { return s.ttl }

// GetOrCreate returns the session for id, creating it when absent and
// resetting it in place when it sat idle past the TTL. An empty id gets
// a generated one. The session's last interaction is refreshed.
func (s *Store) GetOrCreate(id string) Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ses, ok := s.sessions[id]
	switch {
	case !ok:
		ses = &Session{ID: id, CreatedAt: now}
		s.sessions[id] = ses
		s.metrics.SetActiveSessions(len(s.sessions))
	case now.Sub(ses.LastInteraction) >= s.ttl:
		s.logger.Debug("idle session reset", "session", id)
		*ses = Session{ID: id, CreatedAt: now}
	}
	ses.LastInteraction = now
	return copySession(ses)
}

// Get returns the session without refreshing it. Expired sessions read
// as absent.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ses, ok := s.sessions[id]
	if !ok || time.Since(ses.LastInteraction) >= s.ttl {
		return Session{}, false
	}
	return copySession(ses), true
}

// AppendTurn records conversation turns and refreshes the session.
func (s *Store) AppendTurn(id string, msgs ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ses, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	ses.History = append(ses.History, msgs...)
	if excess := len(ses.History) - maxTurnsPerSession; excess > 0 {
		ses.History = ses.History[excess:]
	}
	ses.Turns++
	ses.LastInteraction = time.Now()
	return nil
}

// SetMode records the session's selected mode and refreshes it.
func (s *Store) SetMode(id, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ses, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	ses.Mode = mode
	ses.LastInteraction = time.Now()
	return nil
}

// Active reports the number of tracked sessions, expired or not; the
// sweep trues it up.
func (s *Store) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions lists every tracked session, most recently active first.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, ses := range s.sessions {
		out = append(out, copySession(ses))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastInteraction.After(out[j].LastInteraction)
	})
	return out
}

// Close stops the eviction sweep. Tracked sessions stay readable.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Store) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.evictIdle(time.Now()); n > 0 {
				s.logger.Debug("evicted idle sessions", "count", n)
			}
		}
	}
}

// evictIdle drops sessions idle for at least the TTL and updates the
// active-sessions gauge.
func (s *Store) evictIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, ses := range s.sessions {
		if now.Sub(ses.LastInteraction) >= s.ttl {
			delete(s.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.metrics.SetActiveSessions(len(s.sessions))
	}
	return evicted
}

func copySession(ses *Session) Session {
	out := *ses
	out.History = append([]llm.Message(nil), ses.History...)
	return out
}
