package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"scadview/internal/logx"
	"scadview/internal/param"
	"scadview/internal/render"
	"scadview/internal/server"
	"scadview/internal/session"
)

// app holds the documents opened from the terminal. Each of them is pinned
// in the session manager until it is closed again, so browser views
// coming and going do not dispose it.
type app struct {
	manager *session.Manager
	url     string
	log     *logx.Logger
	browse  func(url string)

	mu      sync.Mutex
	pinned  map[string]func()
	current string // document the parameter commands act on
}

func newApp(manager *session.Manager, url string, log *logx.Logger, browse func(string)) *app {
	if browse == nil {
		browse = func(string) {}
	}
	return &app{
		manager: manager,
		url:     url,
		log:     log,
		browse:  browse,
		pinned:  make(map[string]func()),
	}
}

// result is what a command reports back to the terminal.
type result struct {
	text   string
	style  logx.Style
	quit   bool
	clear  bool
	browse bool // switch to the file picker
}

func info(format string, args ...any) result {
	return result{text: fmt.Sprintf(format, args...), style: logx.StyleInfo}
}

func success(format string, args ...any) result {
	return result{text: fmt.Sprintf(format, args...), style: logx.StyleSuccess}
}

func warn(format string, args ...any) result {
	return result{text: fmt.Sprintf(format, args...), style: logx.StyleWarn}
}

func failure(format string, args ...any) result {
	return result{text: fmt.Sprintf(format, args...), style: logx.StyleError}
}

// load opens path and makes it the current document.
func (a *app) load(path string) (*session.Session, error) {
	abs, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", abs)
		}
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("not a file: %s", abs)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pinned[abs]; ok {
		a.current = abs
		s, _ := a.manager.Get(abs)
		return s, nil
	}
	s, release, err := a.manager.Acquire(abs)
	if err != nil {
		return nil, err
	}
	a.pinned[abs] = release
	a.current = abs
	return s, nil
}

// unload releases a document opened with load.
func (a *app) unload(path string) error {
	abs, err := expandPath(path)
	if err != nil {
		return err
	}
	a.mu.Lock()
	release, ok := a.pinned[abs]
	delete(a.pinned, abs)
	if a.current == abs {
		a.current = ""
		for p := range a.pinned {
			if a.current == "" || p < a.current {
				a.current = p
			}
		}
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("not open: %s", abs)
	}
	release()
	return nil
}

// focused returns the document named by arg, or the current one.
func (a *app) focused(arg string) (*session.Session, error) {
	if arg != "" {
		abs, err := expandPath(arg)
		if err != nil {
			return nil, err
		}
		if s, ok := a.manager.Get(abs); ok {
			return s, nil
		}
		return nil, fmt.Errorf("not open: %s", abs)
	}
	a.mu.Lock()
	current := a.current
	a.mu.Unlock()
	if current == "" {
		return nil, fmt.Errorf("no model open (try /load <file.scad>)")
	}
	if s, ok := a.manager.Get(current); ok {
		return s, nil
	}
	return nil, fmt.Errorf("not open: %s", current)
}

// currentName is the file name of the current document, if any.
func (a *app) currentName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == "" {
		return ""
	}
	return filepath.Base(a.current)
}

// closeAll releases every pinned document.
func (a *app) closeAll() {
	a.mu.Lock()
	pinned := a.pinned
	a.pinned = make(map[string]func())
	a.current = ""
	a.mu.Unlock()
	for _, release := range pinned {
		release()
	}
}

func (a *app) viewURL(s *session.Session) string {
	return a.url + server.ViewURL(s.Path())
}

// run executes one line typed into the terminal.
func (a *app) run(input string) result {
	input = strings.TrimSpace(input)
	if input == "" {
		return result{}
	}
	if !strings.HasPrefix(input, "/") {
		return info("echo: %s", input)
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(input, parts[0]))

	switch cmd {
	case "/help", "/h", "/?":
		return info(helpText)
	case "/quit", "/q", "/exit":
		return result{quit: true}
	case "/browse", "/b":
		return result{browse: true}
	case "/open", "/o":
		return a.cmdOpen(rest)
	case "/load", "/l":
		if rest == "" {
			return warn("Usage: /load <path/to/model.scad>")
		}
		return a.cmdLoad(rest)
	case "/close":
		return a.cmdClose(rest)
	case "/list", "/ls":
		return a.cmdList()
	case "/params", "/p":
		return a.cmdParams(rest)
	case "/set":
		if len(args) < 2 {
			return warn("Usage: /set <name> <value>")
		}
		return a.cmdSet(args[0], strings.TrimSpace(strings.TrimPrefix(rest, args[0])))
	case "/reset":
		if len(args) != 1 {
			return warn("Usage: /reset <name>")
		}
		return a.cmdReset(args[0])
	case "/export", "/e":
		if len(args) < 1 {
			return warn("Usage: /export <stl|3mf> [destination]")
		}
		return a.cmdExport(args[0], strings.TrimSpace(strings.TrimPrefix(rest, args[0])))
	case "/status", "/s":
		return a.cmdStatus()
	case "/clear", "/c":
		return result{clear: true}
	}
	return failure("Unknown command: %s (try /help)", cmd)
}

const helpText = `Commands:
  /open, /o [file]       Open a model (or the current one) in the browser
  /load, /l <file>       Open a model without launching the browser
  /close [file]          Close a model (default: current)
  /browse, /b            Pick a .scad file (Tab also works)
  /list, /ls             List open models
  /params, /p [file]     Show parameters of a model
  /set <name> <value>    Override a parameter of the current model
  /reset <name>          Restore a parameter to its default
  /export, /e <stl|3mf> [dest]  Render and save the current model
  /status, /s            Show server status
  /clear, /c             Clear event log
  /quit, /q              Exit (Ctrl+C also works)`

func (a *app) cmdLoad(path string) result {
	s, err := a.load(path)
	if err != nil {
		return failure("%v", err)
	}
	return success("Loaded %s", s.Name())
}

func (a *app) cmdOpen(path string) result {
	if path == "" {
		s, err := a.focused("")
		if err != nil {
			go a.browse(a.url)
			return success("Opening %s", a.url)
		}
		u := a.viewURL(s)
		go a.browse(u)
		return success("Opening %s", u)
	}
	s, err := a.load(path)
	if err != nil {
		return failure("%v", err)
	}
	u := a.viewURL(s)
	go a.browse(u)
	return success("Opening %s", u)
}

func (a *app) cmdClose(path string) result {
	if path == "" {
		s, err := a.focused("")
		if err != nil {
			return failure("%v", err)
		}
		path = s.Path()
	}
	if err := a.unload(path); err != nil {
		return failure("%v", err)
	}
	return success("Closed %s", filepath.Base(path))
}

func (a *app) cmdList() result {
	sessions := a.manager.Sessions()
	if len(sessions) == 0 {
		return info("No models open")
	}
	a.mu.Lock()
	current := a.current
	a.mu.Unlock()

	lines := []string{"Open models:"}
	for _, s := range sessions {
		marker := " "
		if s.Path() == current {
			marker = "*"
		}
		state := "rendering"
		if _, ok := s.LastPreview(); ok {
			state = "ready"
		}
		lines = append(lines, fmt.Sprintf(" %s %-24s %-9s %s", marker, s.Name(), state, a.viewURL(s)))
	}
	return info(strings.Join(lines, "\n"))
}

func (a *app) cmdParams(path string) result {
	s, err := a.focused(path)
	if err != nil {
		return failure("%v", err)
	}
	update := s.Parameters()
	if len(update.Parameters) == 0 {
		return info("%s declares no parameters", s.Name())
	}

	lines := []string{fmt.Sprintf("Parameters of %s:", s.Name())}
	group := ""
	for _, p := range update.Parameters {
		if p.Group != group {
			group = p.Group
			lines = append(lines, fmt.Sprintf("  [%s]", group))
		}
		value := p.Default.Literal()
		if o, ok := update.Overrides[p.Name]; ok {
			value = fmt.Sprintf("%s (default %s)", o.Literal(), p.Default.Literal())
		}
		line := fmt.Sprintf("    %-16s %-8s %s", p.Name, p.Kind(), value)
		if len(p.Options) > 0 {
			line += "  one of " + strings.Join(p.Options, ", ")
		}
		lines = append(lines, line)
	}
	return info(strings.Join(lines, "\n"))
}

func (a *app) cmdSet(name, raw string) result {
	s, err := a.focused("")
	if err != nil {
		return failure("%v", err)
	}
	p, ok := lookup(s, name)
	if !ok {
		return failure("%s has no parameter %q", s.Name(), name)
	}
	v, ok := param.Coerce(param.FromString(raw), p.Kind())
	if !ok {
		return warn("%s expects a %s, got %q", name, p.Kind(), raw)
	}
	s.UpdateParameterValue(name, v)
	return success("%s = %s", name, v.Literal())
}

func (a *app) cmdReset(name string) result {
	s, err := a.focused("")
	if err != nil {
		return failure("%v", err)
	}
	if _, ok := lookup(s, name); !ok {
		return failure("%s has no parameter %q", s.Name(), name)
	}
	s.UpdateParameterValue(name, nil)
	return success("%s reset to default", name)
}

func lookup(s *session.Session, name string) (param.Parameter, bool) {
	for _, p := range s.Parameters().Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return param.Parameter{}, false
}

func (a *app) cmdExport(format, dest string) result {
	s, err := a.focused("")
	if err != nil {
		return failure("%v", err)
	}
	f, err := render.ParseFormat(format)
	if err != nil {
		return failure("%v", err)
	}
	if dest != "" {
		if dest, err = expandPath(dest); err != nil {
			return failure("invalid path: %v", err)
		}
	}

	go func() {
		written, err := s.ExportFile(context.Background(), f, dest)
		if err != nil {
			a.log.Error("Failed to export %s: %v", s.Name(), err)
			return
		}
		a.log.Success("Exported %s", written)
	}()
	return info("Rendering %s as %s...", s.Name(), strings.ToUpper(string(f)))
}

func (a *app) cmdStatus() result {
	sessions := a.manager.Sessions()
	names := make([]string, 0, len(sessions))
	for _, s := range sessions {
		names = append(names, s.Name())
	}
	sort.Strings(names)

	status := fmt.Sprintf("Server: %s\nModels: %d", a.url, len(sessions))
	if len(names) > 0 {
		status += " (" + strings.Join(names, ", ") + ")"
	}
	if name := a.currentName(); name != "" {
		status += "\nCurrent: " + name
	}
	return info(status)
}
