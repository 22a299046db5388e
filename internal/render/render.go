// Package render runs the OpenSCAD compiler, one process per source file at
// a time, newest request first.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"

	"scadview/internal/logx"
)

// Format is a geometry output format understood by the compiler.
type Format string

const (
	FormatSTL Format = "stl" // plain mesh, no colors
	Format3MF Format = "3mf" // mesh container with colors
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))); f {
	case FormatSTL, Format3MF:
		return f, nil
	}
	return "", fmt.Errorf("unsupported format %q (want stl or 3mf)", s)
}

// DefaultCommand is used when no compiler command is configured.
const DefaultCommand = "openscad"

// ParseCommand splits a configured compiler command such as
// "flatpak run org.openscad.OpenSCAD" into argv form.
func ParseCommand(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return []string{DefaultCommand}, nil
	}
	argv, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse openscad command: %w", err)
	}
	if len(argv) == 0 {
		return []string{DefaultCommand}, nil
	}
	return argv, nil
}

// Request is one render job.
type Request struct {
	Path   string   // absolute path of the .scad source
	Args   []string // name=value definitions, passed as --D flags in order
	Format Format

	// Key is the concurrency slot. A new request cancels the running request
	// with the same key. Empty means Path.
	Key string
}

func (r Request) key() string {
	if r.Key != "" {
		return r.Key
	}
	return r.Path
}

// Options configures a Gateway.
type Options struct {
	Command []string // compiler argv prefix, default ["openscad"]
	Env     []string // extra environment for the compiler
	TempDir string   // where output files are written, default os.TempDir()
	Logger  *logx.Logger
}

type job struct {
	cancel context.CancelFunc
}

// Gateway runs compiler processes. It is shared by all sessions of a process
// and is safe for concurrent use.
type Gateway struct {
	command []string
	env     []string
	tempDir string
	log     *logx.Logger

	mu     sync.Mutex
	active map[string]*job

	onStart func(Request) // test hook, runs after the job is registered
}

// NewGateway returns a Gateway using opts.
func NewGateway(opts Options) *Gateway {
	cmd := opts.Command
	if len(cmd) == 0 {
		cmd = []string{DefaultCommand}
	}
	dir := opts.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	return &Gateway{
		command: cmd,
		env:     opts.Env,
		tempDir: dir,
		log:     opts.Logger,
		active:  make(map[string]*job),
	}
}

// Command returns the compiler argv prefix.
func (g *Gateway) Command() []string { return append([]string(nil), g.command...) }

// Running reports whether a render holds the given slot.
func (g *Gateway) Running(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[key]
	return ok
}

// Render compiles req and returns the produced geometry. A render that is
// superseded while running returns ErrCancelled, whatever the process did.
func (g *Gateway) Render(ctx context.Context, req Request) ([]byte, error) {
	if _, err := ParseFormat(string(req.Format)); err != nil {
		return nil, err
	}
	key := req.key()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	j := &job{cancel: cancel}

	g.mu.Lock()
	if prev, ok := g.active[key]; ok {
		g.log.Info("Canceling previous render for %s", filepath.Base(key))
		prev.cancel()
	}
	g.active[key] = j
	g.mu.Unlock()

	if g.onStart != nil {
		g.onStart(req)
	}

	data, err := g.run(ctx, req)

	g.mu.Lock()
	superseded := g.active[key] != j
	if !superseded {
		delete(g.active, key)
	}
	g.mu.Unlock()

	if superseded || ctx.Err() != nil {
		return nil, ErrCancelled
	}
	return data, err
}

func (g *Gateway) run(ctx context.Context, req Request) ([]byte, error) {
	out := filepath.Join(g.tempDir, "scadview-"+uuid.NewString()+"."+string(req.Format))
	defer os.Remove(out)

	args := append([]string(nil), g.command[1:]...)
	args = append(args, "--export-format", string(req.Format), "-o", out, "-q")
	for _, def := range req.Args {
		args = append(args, "--D", def)
	}
	args = append(args, req.Path)

	cmd := exec.CommandContext(ctx, g.command[0], args...)
	if len(g.env) > 0 {
		cmd.Env = append(os.Environ(), g.env...)
	}
	stderr := &tailBuffer{max: 8 * 1024}
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: g.command[0], Err: err}
	}

	err := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ProcessError{
				Code:   exitErr.ExitCode(),
				State:  exitErr.ProcessState.String(),
				Stderr: stderr.String(),
			}
		}
		return nil, fmt.Errorf("wait for openscad: %w", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read render output: %w", err)
	}
	return data, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
