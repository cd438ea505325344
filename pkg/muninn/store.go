// Package muninn implements the knowledge-graph store itself: per-level
// graphs guarded by one mutex, version records for diff sync, dirty
// tracking, and the background maintenance loop that compacts, prunes,
// and persists.
//
// Graphs are keyed "user" for the shared graph and "project:<abs dir>"
// for per-project graphs, which are lazy-loaded the first time a session
// references them. All public operations validate their inputs, take the
// mutex, mutate, bump the relevant version record, mark the graph dirty,
// and release the mutex before invoking the broadcast hook.
//
// Example:
//
//	store, err := muninn.New(muninn.Config{
//		UserPath:    "/home/me/.muninn/user.json",
//		ProjectPath: "/home/me/src/app",
//	})
//	if err != nil { ... }
//	store.Start()
//	defer store.Stop()
//
//	reg, _ := store.RegisterSession("")
//	store.PutNode("project", "auth-flow", "JWT refresh lives in middleware",
//		nil, nil, reg.SessionID)
package muninn

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/orneryd/muninn/pkg/decay"
	"github.com/orneryd/muninn/pkg/graph"
	"github.com/orneryd/muninn/pkg/session"
	"github.com/orneryd/muninn/pkg/storage"
	"github.com/orneryd/muninn/pkg/tombstone"
)

// Defaults for the tunable knobs.
const (
	DefaultMaxTokens       = 5000
	DefaultGracePeriodDays = 7
	DefaultOrphanGraceDays = 7
	DefaultSaveInterval    = 30 * time.Second
)

const userKey = "user"

// Config configures a Store. Zero values fall back to the defaults
// above; UserPath is the only field without a useful zero.
type Config struct {
	MaxTokens       int
	GracePeriodDays int
	OrphanGraceDays int
	SaveInterval    time.Duration

	// SessionTTL is the session lifetime in seconds (default 24h).
	SessionTTL float64

	// UserPath is the file backing the shared user graph.
	UserPath string

	// ProjectPath is the default project directory bound to sessions
	// that register without one. Empty disables the default; project
	// operations then require a session with an explicit path.
	ProjectPath string

	// NowFn overrides the clock (float seconds since epoch). Nil means
	// real time. Tests use this to travel through grace periods.
	NowFn func() float64

	// Broadcast, if set, receives an Event after each committed
	// mutation. Called outside the store mutex.
	Broadcast BroadcastFn

	// Tombstones, if set, records every node deletion. Diagnostic only.
	Tombstones *tombstone.Ledger
}

// Store is the thread-safe in-memory knowledge graph with periodic
// persistence. One mutex covers graphs, versions, and dirty flags.
type Store struct {
	cfg Config

	mu       sync.Mutex
	graphs   map[string]*graph.Graph
	versions map[string]map[string]*graph.Version
	persist  map[string]*storage.Persistence
	dirty    map[string]bool

	sessions  *session.Manager
	compactor *decay.Compactor
	pruner    *decay.Pruner
	nowFn     func() float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a store and loads the user graph from disk. Project graphs
// load lazily. Call Start to run maintenance and Stop to shut down.
func New(cfg Config) (*Store, error) {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.GracePeriodDays == 0 {
		cfg.GracePeriodDays = DefaultGracePeriodDays
	}
	if cfg.OrphanGraceDays == 0 {
		cfg.OrphanGraceDays = DefaultOrphanGraceDays
	}
	if cfg.SaveInterval == 0 {
		cfg.SaveInterval = DefaultSaveInterval
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = session.DefaultTTLSeconds
	}
	if cfg.UserPath == "" {
		return nil, fmt.Errorf("user graph path is required: %w", graph.ErrInvalidArgument)
	}
	if cfg.NowFn == nil {
		cfg.NowFn = graph.Now
	}
	if cfg.ProjectPath != "" {
		abs, err := filepath.Abs(cfg.ProjectPath)
		if err != nil {
			return nil, fmt.Errorf("resolving default project path: %w", err)
		}
		cfg.ProjectPath = abs
	}

	scorer := decay.NewScorer(cfg.GracePeriodDays)
	s := &Store{
		cfg:       cfg,
		graphs:    make(map[string]*graph.Graph),
		versions:  make(map[string]map[string]*graph.Version),
		persist:   make(map[string]*storage.Persistence),
		dirty:     make(map[string]bool),
		sessions:  session.NewManager(cfg.SessionTTL, cfg.NowFn),
		compactor: decay.NewCompactor(scorer, cfg.MaxTokens),
		pruner:    decay.NewPruner(cfg.OrphanGraceDays),
		nowFn:     cfg.NowFn,
		stopCh:    make(chan struct{}),
	}

	s.mu.Lock()
	s.loadLocked(userKey, storage.NewPersistence(cfg.UserPath, cfg.NowFn))
	s.mu.Unlock()

	log.Printf("knowledge graph store initialized: user=%s default_project=%s",
		cfg.UserPath, cfg.ProjectPath)
	return s, nil
}

// Start launches the background maintenance loop.
func (s *Store) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.SaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Maintain()
			}
		}
	}()
}

// Stop halts maintenance and flushes dirty graphs. Safe to call once.
func (s *Store) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.Flush()
	log.Printf("knowledge graph store shut down")
}

// projectGraphFile is where a project's graph lives inside the project
// directory.
func projectGraphFile(dir string) string {
	return filepath.Join(dir, ".knowledge", "graph.json")
}

// ProjectKey is the internal graph key for a project directory. Events
// carry it so subscribers can route project-level changes.
func ProjectKey(dir string) string {
	return "project:" + dir
}

// loadLocked loads one graph through p and registers it under key.
func (s *Store) loadLocked(key string, p *storage.Persistence) {
	g, versions := p.Load()
	s.graphs[key] = g
	s.versions[key] = versions
	s.persist[key] = p
	s.dirty[key] = false
}

// ensureProjectLoadedLocked lazy-loads the graph for a project directory.
func (s *Store) ensureProjectLoadedLocked(dir string) string {
	key := ProjectKey(dir)
	if _, ok := s.graphs[key]; !ok {
		s.loadLocked(key, storage.NewPersistence(projectGraphFile(dir), s.nowFn))
	}
	return key
}

// resolveGraphKeyLocked maps (level, session) to a graph key, lazy-loading
// project graphs. User level ignores the session entirely. Project level
// uses the session's bound path, falling back to the configured default
// when no session is given.
func (s *Store) resolveGraphKeyLocked(level, sessionID string) (string, error) {
	if err := graph.ValidateLevel(level); err != nil {
		return "", err
	}
	if graph.Level(level) == graph.LevelUser {
		return userKey, nil
	}

	if sessionID == "" {
		if s.cfg.ProjectPath == "" {
			return "", fmt.Errorf("project-level operation requires a session: %w", graph.ErrUnknownSession)
		}
		return s.ensureProjectLoadedLocked(s.cfg.ProjectPath), nil
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	if sess.ProjectPath == "" {
		return "", fmt.Errorf("session %q has no project path: %w", sessionID, graph.ErrInvalidArgument)
	}
	return s.ensureProjectLoadedLocked(sess.ProjectPath), nil
}

// bumpVersionLocked increments the version record for verKey, stamping
// the current time and the writing session (nil when anonymous).
func (s *Store) bumpVersionLocked(graphKey, verKey, sessionID string) *graph.Version {
	var sid *string
	if sessionID != "" {
		sid = &sessionID
	}
	ver := &graph.Version{V: 1, TS: s.nowFn(), Session: sid}
	if prev, ok := s.versions[graphKey][verKey]; ok {
		ver.V = prev.V + 1
	}
	s.versions[graphKey][verKey] = ver
	return ver
}

// cascadeDeleteLocked removes a node, every incident edge, and all of
// their version records. Returns the number of edges removed. Version
// removal is what makes deletion silent to sync.
func (s *Store) cascadeDeleteLocked(graphKey, id, reason string) int {
	g := s.graphs[graphKey]
	node := g.Nodes[id]

	removed := 0
	for key := range g.Edges {
		if key.From == id || key.To == id {
			delete(g.Edges, key)
			delete(s.versions[graphKey], key.VersionKey())
			removed++
		}
	}
	delete(g.Nodes, id)
	delete(s.versions[graphKey], graph.NodeVersionKey(id))
	s.dirty[graphKey] = true

	if s.cfg.Tombstones != nil && node != nil {
		err := s.cfg.Tombstones.Append(tombstone.Record{
			GraphKey:  graphKey,
			ID:        id,
			Gist:      node.Gist,
			DeletedTS: s.nowFn(),
			Reason:    reason,
		})
		if err != nil {
			log.Printf("failed to record tombstone for %q: %v", id, err)
		}
	}
	return removed
}

// emit invokes the broadcast hook, if any. Must be called after the
// mutex is released.
func (s *Store) emit(ev *Event) {
	if ev != nil && s.cfg.Broadcast != nil {
		s.cfg.Broadcast(*ev)
	}
}

// Maintain runs one maintenance pass: per loaded graph compact, prune,
// and save-if-dirty (with backup rotation), then expired-session sweep.
// The background loop calls this every SaveInterval; tests and the
// offline maintenance command call it directly.
func (s *Store) Maintain() {
	now := s.nowFn()

	s.mu.Lock()
	for key, g := range s.graphs {
		if archived := s.compactor.CompactIfNeeded(g, s.versions[key], now); len(archived) > 0 {
			s.dirty[key] = true
		}

		expired, changed := s.pruner.Prune(g, now)
		if changed {
			s.dirty[key] = true
		}
		for _, id := range expired {
			s.cascadeDeleteLocked(key, id, tombstone.ReasonOrphanExpired)
			log.Printf("deleted orphaned node %q from %s graph", id, key)
		}

		s.saveLocked(key)
	}
	s.mu.Unlock()

	s.sessions.Cleanup()
}

// saveLocked persists one graph if dirty and gives the backup tiers a
// chance to rotate. A failed save leaves the dirty flag set for retry.
func (s *Store) saveLocked(key string) {
	if !s.dirty[key] {
		return
	}
	if err := s.persist[key].Save(s.graphs[key], s.versions[key]); err != nil {
		log.Printf("failed to save %s graph: %v", key, err)
		return
	}
	s.dirty[key] = false
	s.persist[key].MaybeBackup()
}

// Flush saves every dirty graph immediately.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.graphs {
		s.saveLocked(key)
	}
}
