// Package session tracks client sessions for the diff-sync protocol.
//
// A session is nothing but an opaque 8-character ID, the time it
// registered, and optionally the project it is working in. The start
// timestamp is the anchor for sync: "give me everything written after I
// arrived, by anyone but me". Sessions expire after a TTL and are swept
// lazily on maintenance ticks; a stale ID used between sweeps still fails,
// because lookup checks the TTL itself.
package session

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/orneryd/muninn/pkg/graph"
)

const (
	// IDLength is the session ID length in characters. Short enough for
	// an agent to echo back verbatim, random enough that collisions are
	// negligible at expected scale.
	IDLength = 8

	// DefaultTTLSeconds is how long a session stays valid after
	// registration (24 hours).
	DefaultTTLSeconds = 24 * 60 * 60
)

// Session is one registered client.
type Session struct {
	ID      string
	StartTS float64

	// ProjectPath is the absolute project directory this session works
	// in, or "" for sessions without project context.
	ProjectPath string
}

// Manager issues and tracks sessions. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      float64
	nowFn    func() float64
}

// NewManager builds a manager with the given TTL in seconds. nowFn
// supplies the clock as float seconds since epoch; pass nil for real time.
func NewManager(ttlSeconds float64, nowFn func() float64) *Manager {
	if nowFn == nil {
		nowFn = graph.Now
	}
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttlSeconds,
		nowFn:    nowFn,
	}
}

// Register creates a new session. projectPath, if non-empty, is resolved
// to an absolute path so the same project referenced from different
// working directories maps to one graph.
func (m *Manager) Register(projectPath string) (*Session, error) {
	if projectPath != "" {
		abs, err := filepath.Abs(projectPath)
		if err != nil {
			return nil, fmt.Errorf("resolving project path %q: %w", projectPath, graph.ErrInvalidArgument)
		}
		projectPath = abs
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Session{
		ID:          uuid.NewString()[:IDLength],
		StartTS:     m.nowFn(),
		ProjectPath: projectPath,
	}
	m.sessions[s.ID] = s
	log.Printf("session registered: %s", s.ID)
	return s, nil
}

// Get returns the session for id, or ErrUnknownSession when the ID was
// never issued or has passed its TTL. Expired sessions fail here even
// before cleanup removes them.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || m.nowFn()-s.StartTS > m.ttl {
		return nil, fmt.Errorf("unknown session %q, call register_session first: %w", id, graph.ErrUnknownSession)
	}
	copy := *s
	return &copy, nil
}

// StartTS returns the registration timestamp for id.
func (m *Manager) StartTS(id string) (float64, error) {
	s, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	return s.StartTS, nil
}

// Cleanup discards sessions older than the TTL and returns how many were
// removed. Called from the maintenance tick.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	removed := 0
	for id, s := range m.sessions {
		if now-s.StartTS > m.ttl {
			delete(m.sessions, id)
			removed++
			log.Printf("session expired and removed: %s", id)
		}
	}
	return removed
}

// Count returns the number of tracked sessions, expired or not.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ProjectPaths returns the distinct non-empty project paths of tracked
// sessions. The store uses this to know which project graphs are watched.
func (m *Manager) ProjectPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	var paths []string
	for _, s := range m.sessions {
		if s.ProjectPath == "" {
			continue
		}
		if _, ok := seen[s.ProjectPath]; ok {
			continue
		}
		seen[s.ProjectPath] = struct{}{}
		paths = append(paths, s.ProjectPath)
	}
	return paths
}
