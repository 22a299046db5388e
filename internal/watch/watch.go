// Package watch ties a source file to re-extraction and re-rendering.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"

	"scadview/internal/event"
	"scadview/internal/logx"
	"scadview/internal/param"
	"scadview/internal/render"
)

// Renderer produces geometry for a request. *render.Gateway implements it.
type Renderer interface {
	Render(ctx context.Context, req render.Request) ([]byte, error)
}

// Extractor reads the declared parameters of a source file.
type Extractor interface {
	Extract(path string) ([]param.Parameter, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(path string) ([]param.Parameter, error)

func (f ExtractorFunc) Extract(path string) ([]param.Parameter, error) { return f(path) }

// Preview is a rendered model, or a placeholder while a render is running.
type Preview struct {
	Data    []byte
	Format  render.Format
	Loading bool
}

// State is the lifecycle state of a Coordinator.
type State int

const (
	StateIdle State = iota
	StateWatching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// maxRetries bounds how often a render that is still the newest is retried
// after being cancelled by the renderer.
const maxRetries = 3

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("watch: coordinator closed")

// Options configures a Coordinator.
type Options struct {
	// Format of preview renders, default 3mf.
	Format render.Format

	// Debounce coalesces bursts of change events. Zero handles every event.
	Debounce time.Duration

	// Args supplies the definitions for renders caused by file changes. It is
	// called after ParametersExtracted has been emitted.
	Args func() []string

	Logger *logx.Logger
}

// Coordinator watches one source file. On each change it emits
// RenderStarted, extracts parameters, emits ParametersExtracted, emits a
// loading Preview and renders; the result arrives as another Preview. Only
// the newest render's result is ever emitted.
type Coordinator struct {
	RenderStarted       event.Emitter[struct{}]
	ParametersExtracted event.Emitter[[]param.Parameter]
	PreviewUpdated      event.Emitter[Preview]
	// RenderFailed carries failures other than cancellation.
	RenderFailed event.Emitter[error]

	renderer  Renderer
	extractor Extractor
	opts      Options
	log       *logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	bindMu  sync.Mutex // serializes Watch and Close
	mu      sync.Mutex
	state   State
	path    string
	watcher *fsnotify.Watcher
	stop    chan struct{}

	gen       atomic.Uint64
	deliverMu sync.Mutex
	renders   sync.WaitGroup
}

// New returns an idle Coordinator.
func New(renderer Renderer, extractor Extractor, opts Options) *Coordinator {
	if opts.Format == "" {
		opts.Format = render.Format3MF
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		renderer:  renderer,
		extractor: extractor,
		opts:      opts,
		log:       opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Path returns the bound source path, empty while idle.
func (c *Coordinator) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// Watch binds the coordinator to path, replacing any previous binding, and
// runs an initial extract-and-render cycle. The file itself need not exist
// yet; its creation is picked up.
func (c *Coordinator) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.unbindLocked()
	c.mu.Unlock()

	// Watch the directory, not the file: editors that save by writing a new
	// file and renaming it over the old one would otherwise end the watch.
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.state = StateWatching
	c.path = abs
	c.watcher = w
	c.stop = stop
	c.mu.Unlock()

	go c.loop(w, abs, stop)
	return nil
}

func (c *Coordinator) unbindLocked() {
	if c.watcher == nil {
		return
	}
	close(c.stop)
	c.watcher.Close()
	c.watcher = nil
	c.stop = nil
}

func (c *Coordinator) loop(w *fsnotify.Watcher, path string, stop <-chan struct{}) {
	c.cycle(path, stop)

	var tick <-chan time.Time
	if c.opts.Debounce > 0 {
		period := c.opts.Debounce / 2
		if period < 10*time.Millisecond {
			period = 10 * time.Millisecond
		}
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}

	var pending time.Time
	for {
		select {
		case <-stop:
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
			if tick == nil {
				c.cycle(path, stop)
			} else {
				pending = time.Now()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.log.Error("Watcher error: %v", err)

		case now := <-tick:
			if !pending.IsZero() && now.Sub(pending) >= c.opts.Debounce {
				pending = time.Time{}
				c.cycle(path, stop)
			}
		}
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// cycle handles one change of the source file.
func (c *Coordinator) cycle(path string, stop <-chan struct{}) {
	if stopped(stop) {
		return
	}
	c.RenderStarted.Emit(struct{}{})

	params, err := c.extractor.Extract(path)
	if err != nil {
		c.log.Error("Failed to process %s: %v", filepath.Base(path), err)
		return
	}
	if stopped(stop) {
		return
	}
	c.ParametersExtracted.Emit(params)

	// The generation is taken before the args are read, so an override
	// applied in between starts a newer render.
	gen := c.gen.Add(1)
	var args []string
	if c.opts.Args != nil {
		args = c.opts.Args()
	}
	c.PreviewUpdated.Emit(Preview{Format: c.opts.Format, Loading: true})
	c.start(gen, path, args)
}

// RenderWithOverrides re-renders the bound file with args without
// re-reading its parameters. It does nothing unless the coordinator is
// watching.
func (c *Coordinator) RenderWithOverrides(args []string) {
	c.mu.Lock()
	path, state := c.path, c.state
	c.mu.Unlock()
	if state != StateWatching {
		return
	}

	gen := c.gen.Add(1)
	c.RenderStarted.Emit(struct{}{})
	c.start(gen, path, args)
}

func (c *Coordinator) start(gen uint64, path string, args []string) {
	c.renders.Add(1)
	go func() {
		defer c.renders.Done()
		c.render(gen, path, args)
	}()
}

func (c *Coordinator) render(gen uint64, path string, args []string) {
	started := time.Now()
	req := render.Request{Path: path, Args: args, Format: c.opts.Format}
	data, err := c.renderer.Render(c.ctx, req)
	// An older render that reached the renderer late may have superseded
	// this one. Still being the newest means the result is wanted.
	for retry := 0; retry < maxRetries && render.IsCancelled(err) && c.gen.Load() == gen && c.ctx.Err() == nil; retry++ {
		data, err = c.renderer.Render(c.ctx, req)
	}
	if err != nil {
		c.logFailure(path, err)
		if !render.IsCancelled(err) && c.gen.Load() == gen {
			c.RenderFailed.Emit(err)
		}
		return
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.gen.Load() != gen {
		c.log.Info("Discarding stale render of %s", filepath.Base(path))
		return
	}
	c.log.Success("Rendered %s (%s, %s)", filepath.Base(path),
		humanize.Bytes(uint64(len(data))), time.Since(started).Round(time.Millisecond))
	c.PreviewUpdated.Emit(Preview{Data: data, Format: c.opts.Format})
}

func (c *Coordinator) logFailure(path string, err error) {
	name := filepath.Base(path)
	switch render.Classify(err) {
	case render.CategoryCancelled:
		c.log.Info("Render of %s cancelled", name)
	case render.CategoryProcess:
		var perr *render.ProcessError
		errors.As(err, &perr)
		if d := perr.Diagnostic(); d != "" {
			c.log.Warn("%s: %v: %s", name, err, d)
		} else {
			c.log.Warn("%s: %v", name, err)
		}
	default:
		c.log.Error("%s: %v", name, err)
	}
}

// Close stops watching and cancels running renders. It does not wait for
// them; use Wait for that.
func (c *Coordinator) Close() error {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.unbindLocked()
	c.mu.Unlock()

	c.cancel()
	c.RenderStarted.Close()
	c.ParametersExtracted.Close()
	c.PreviewUpdated.Close()
	c.RenderFailed.Close()
	return nil
}

// Wait blocks until all renders started so far have finished.
func (c *Coordinator) Wait() {
	c.renders.Wait()
}
