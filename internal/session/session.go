// Package session binds one open .scad document to its parameters, its
// file watch and its render history, and keeps one session per document.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scadview/internal/event"
	"scadview/internal/logx"
	"scadview/internal/param"
	"scadview/internal/render"
	"scadview/internal/watch"
)

// exportSlot is appended to the source path to form the gateway slot of
// exports, so an export and a preview of the same file never cancel each
// other.
const exportSlot = "#export"

// ParameterUpdate is the payload of ParametersUpdated.
type ParameterUpdate struct {
	Parameters []param.Parameter
	Overrides  map[string]param.Value
}

// Options configures new sessions.
type Options struct {
	Format   render.Format // preview format
	Debounce time.Duration
}

// Session is the live state of one document. Views subscribe to its
// emitters; any number of them may be attached at once.
type Session struct {
	PreviewUpdated    event.Emitter[watch.Preview]
	ParametersUpdated event.Emitter[ParameterUpdate]
	RenderStarted     event.Emitter[struct{}]
	RenderFailed      event.Emitter[error]

	path     string
	renderer watch.Renderer
	store    *param.Store
	watcher  *watch.Coordinator
	log      *logx.Logger

	mu      sync.RWMutex
	last    watch.Preview
	hasLast bool

	disposeOnce sync.Once
}

// New creates a session for the document at path and starts watching it.
func New(path string, renderer watch.Renderer, extractor watch.Extractor, log *logx.Logger, opts Options) (*Session, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	s := &Session{
		path:     abs,
		renderer: renderer,
		store:    param.NewStore(nil),
		log:      log,
	}
	s.watcher = watch.New(renderer, extractor, watch.Options{
		Format:   opts.Format,
		Debounce: opts.Debounce,
		Args:     s.store.RenderArgs,
		Logger:   log,
	})

	s.watcher.RenderStarted.Subscribe(func(struct{}) {
		s.RenderStarted.Emit(struct{}{})
	})
	s.watcher.ParametersExtracted.Subscribe(func(params []param.Parameter) {
		s.store.SetDeclarations(params)
		s.ParametersUpdated.Emit(s.parameterUpdate())
	})
	s.watcher.PreviewUpdated.Subscribe(func(p watch.Preview) {
		if !p.Loading {
			s.mu.Lock()
			s.last, s.hasLast = p, true
			s.mu.Unlock()
		}
		s.PreviewUpdated.Emit(p)
	})
	s.watcher.RenderFailed.Subscribe(func(err error) {
		s.RenderFailed.Emit(err)
	})

	if err := s.watcher.Watch(abs); err != nil {
		s.Dispose()
		return nil, err
	}
	return s, nil
}

// Path returns the absolute path of the document.
func (s *Session) Path() string { return s.path }

// Name returns the file name of the document.
func (s *Session) Name() string { return filepath.Base(s.path) }

func (s *Session) parameterUpdate() ParameterUpdate {
	return ParameterUpdate{
		Parameters: s.store.Parameters(),
		Overrides:  s.store.Overrides(),
	}
}

// Parameters returns the declared parameters and current overrides.
func (s *Session) Parameters() ParameterUpdate { return s.parameterUpdate() }

// UpdateParameterValue overrides a parameter (nil reverts it), tells
// subscribers and re-renders with the new values.
func (s *Session) UpdateParameterValue(name string, v param.Value) {
	s.store.SetOverride(name, v)
	s.ParametersUpdated.Emit(s.parameterUpdate())
	s.watcher.RenderWithOverrides(s.store.RenderArgs())
}

// LastPreview returns the most recent successful render.
func (s *Session) LastPreview() (watch.Preview, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// Export renders the document in format with the current parameter values.
// The preview is left untouched. Exports run in their own slot, so they
// neither cancel nor get cancelled by preview renders, but a newer export of
// the same document does cancel an older one.
func (s *Session) Export(ctx context.Context, format render.Format) ([]byte, error) {
	return s.renderer.Render(ctx, render.Request{
		Path:   s.path,
		Args:   s.store.RenderArgs(),
		Format: format,
		Key:    s.path + exportSlot,
	})
}

// DefaultExportPath is the document path with its extension replaced by
// the format.
func DefaultExportPath(path string, format render.Format) string {
	ext := filepath.Ext(path)
	if strings.EqualFold(ext, ".scad") {
		path = strings.TrimSuffix(path, ext)
	}
	return path + "." + string(format)
}

// ExportFile exports to dest, or next to the document when dest is empty,
// and returns the path written.
func (s *Session) ExportFile(ctx context.Context, format render.Format, dest string) (string, error) {
	if dest == "" {
		dest = DefaultExportPath(s.path, format)
	}
	data, err := s.Export(ctx, format)
	if err != nil {
		var perr *render.ProcessError
		if errors.As(err, &perr) && perr.Diagnostic() != "" {
			return "", fmt.Errorf("render %s: %w (%s)", strings.ToUpper(string(format)), err, perr.Diagnostic())
		}
		return "", fmt.Errorf("render %s: %w", strings.ToUpper(string(format)), err)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	return dest, nil
}

// Watching reports whether the document is being watched.
func (s *Session) Watching() bool { return s.watcher.State() == watch.StateWatching }

// Dispose stops the session. Subscribers receive nothing afterwards.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.watcher.Close()
		s.PreviewUpdated.Close()
		s.ParametersUpdated.Close()
		s.RenderStarted.Close()
		s.RenderFailed.Close()
	})
}

// Wait blocks until renders started by the session have finished.
func (s *Session) Wait() { s.watcher.Wait() }
