package session

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"scadview/internal/logx"
	"scadview/internal/watch"
)

type entry struct {
	s    *Session
	refs int
}

// Manager keeps at most one Session per document, however many views are
// looking at it.
type Manager struct {
	renderer  watch.Renderer
	extractor watch.Extractor
	log       *logx.Logger
	opts      Options

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager returns an empty Manager whose sessions share renderer and
// extractor.
func NewManager(renderer watch.Renderer, extractor watch.Extractor, log *logx.Logger, opts Options) *Manager {
	return &Manager{
		renderer:  renderer,
		extractor: extractor,
		log:       log,
		opts:      opts,
		sessions:  make(map[string]*entry),
	}
}

// Key returns the identity of the document at path.
func Key(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// GetOrCreate returns the session for path, creating it on first use.
func (m *Manager) GetOrCreate(path string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.getOrCreateLocked(path)
	if err != nil {
		return nil, err
	}
	return e.s, nil
}

func (m *Manager) getOrCreateLocked(path string) (*entry, error) {
	key, err := Key(path)
	if err != nil {
		return nil, err
	}
	if e, ok := m.sessions[key]; ok {
		return e, nil
	}

	m.log.Info("Creating new session for %s", key)
	s, err := New(key, m.renderer, m.extractor, m.log, m.opts)
	if err != nil {
		return nil, err
	}
	e := &entry{s: s}
	m.sessions[key] = e
	return e, nil
}

// Acquire returns the session for path and a release func. The session is
// removed once every holder has released it.
func (m *Manager) Acquire(path string) (*Session, func(), error) {
	m.mu.Lock()
	e, err := m.getOrCreateLocked(path)
	if err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}
	e.refs++
	s := e.s
	m.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { m.release(s) })
	}
	return s, release, nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	e, ok := m.sessions[s.Path()]
	if !ok || e.s != s {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.Path())
	m.mu.Unlock()

	s.Dispose()
	m.log.Info("Disposed session for %s", s.Path())
}

// Get returns the live session for path, if any.
func (m *Manager) Get(path string) (*Session, bool) {
	key, err := Key(path)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[key]
	if !ok {
		return nil, false
	}
	return e.s, true
}

// Remove disposes and forgets the session for path. Removing a document
// without a session does nothing.
func (m *Manager) Remove(path string) {
	key, err := Key(path)
	if err != nil {
		return
	}
	m.mu.Lock()
	e, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if ok {
		e.s.Dispose()
		m.log.Info("Disposed session for %s", key)
	}
}

// Sessions returns the live sessions ordered by path.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out
}

// Dispose disposes every session.
func (m *Manager) Dispose() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range sessions {
		e.s.Dispose()
	}
}

// Wait blocks until renders of the given sessions have finished.
func Wait(sessions []*Session) {
	for _, s := range sessions {
		s.Wait()
	}
}
