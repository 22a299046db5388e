// scadview watches OpenSCAD models and serves a live 3D preview
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"scadview/internal/logx"
	"scadview/internal/param"
	"scadview/internal/render"
	"scadview/internal/server"
	"scadview/internal/session"
	"scadview/internal/watch"
)

const appName = "scadview"

// Version information - injected at build time via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// openscadCommand is the configured compiler command, shown in the TUI header.
var openscadCommand = render.DefaultCommand

var (
	// Command line flags
	flagPort       = flag.Int("port", 0, "HTTP server port (0 = use config or 8080)")
	flagOpenSCAD   = flag.String("openscad", "", "OpenSCAD command, may include arguments")
	flagFormat     = flag.String("format", "", "Preview format: 3mf or stl")
	flagDebounce   = flag.Duration("debounce", -1, "Coalesce file changes within this interval")
	flagOpen       = flag.Bool("open", true, "Open browser automatically")
	flagNoOpen     = flag.Bool("no-open", false, "Do not open browser")
	flagConfig     = flag.String("config", "", "Path to config file")
	flagSaveConfig = flag.Bool("save-config", false, "Save current settings to config file")
	flagVersion    = flag.Bool("version", false, "Show version")
	flagHeadless   = flag.Bool("headless", false, "Run without TUI, Ctrl+C to quit")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `%s v%s - OpenSCAD live preview server

Watches .scad files, renders them with OpenSCAD whenever they change and
serves an interactive 3D preview with customizer parameters at
http://localhost:<port>

USAGE:
    %s [OPTIONS] [model.scad ...]

OPTIONS:
    --port <n>          HTTP server port (default: 8080, next free port if taken)
    --openscad <cmd>    OpenSCAD command (default: openscad)
    --format <3mf|stl>  Preview format (default: 3mf)
    --debounce <dur>    Coalesce file changes, e.g. 200ms (default: 100ms)
    --open              Open browser automatically (default: true)
    --no-open           Do not open browser automatically
    --headless          Run without TUI, Ctrl+C to quit
    --config <path>     Path to config file (default: XDG config dir)
    --save-config       Save current settings to config file and exit
    --version           Show version and exit
    --help              Show this help

    Note: Single dash (-port) also works for all options.

CONFIG FILE:
    Settings are loaded from (in order of precedence):
    1. Command line flags
    2. Config file specified with --config
    3. $XDG_CONFIG_HOME/%s/settings.json
    4. ~/.config/%s/settings.json
    5. Built-in defaults

    Example settings.json:
    {
      "port": 8080,
      "openscad": "flatpak run org.openscad.OpenSCAD",
      "preview_format": "stl",
      "open_browser": false,
      "debounce_ms": 200
    }

EXAMPLES:
    %s gear.scad                       # Preview gear.scad
    %s --format stl --no-open *.scad   # Several models, STL previews
    %s --headless box.scad             # Run without TUI, Ctrl+C to quit
    %s --openscad openscad-nightly --save-config

`, appName, version, appName, appName, appName, appName, appName, appName, appName)
	}
}

func main() {
	flag.Parse()

	fail := func(format string, args ...any) {
		fmt.Fprintln(os.Stderr, failStyle.Render(fmt.Sprintf(format, args...)))
		os.Exit(1)
	}

	if *flagVersion {
		fmt.Printf("%s %s\n", nameStyle.Render(appName), dimStyle.Render(fmt.Sprintf("v%s (%s, %s)", version, commit, date)))
		os.Exit(0)
	}

	// Load config (XDG compliant)
	configPath := getConfigPath(*flagConfig)
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	applyFlags(&cfg)

	if *flagSaveConfig {
		if err := saveConfig(configPath, cfg); err != nil {
			fail("Failed to save config: %v", err)
		}
		fmt.Printf("%s %s\n", greenStyle.Render("Config saved to"), textStyle.Bold(true).Render(configPath))
		os.Exit(0)
	}

	command, err := render.ParseCommand(cfg.OpenSCAD)
	if err != nil {
		fail("Error: %v", err)
	}
	openscadCommand = strings.Join(command, " ")
	format, err := render.ParseFormat(cfg.PreviewFormat)
	if err != nil {
		fail("Error: %v", err)
	}
	tempDir := cfg.TempDir
	if tempDir != "" {
		if tempDir, err = expandPath(tempDir); err != nil {
			fail("Error: temp_dir: %v", err)
		}
		if err := os.MkdirAll(tempDir, 0755); err != nil {
			fail("Error: temp_dir: %v", err)
		}
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s not found in PATH, renders will fail until it is installed\n", command[0])
	}

	log := logx.New(100)

	gateway := render.NewGateway(render.Options{
		Command: command,
		TempDir: tempDir,
		Logger:  log,
	})
	manager := session.NewManager(gateway, watch.ExtractorFunc(param.ExtractFile), log, session.Options{
		Format:   format,
		Debounce: cfg.Debounce(),
	})
	srv := server.New(manager, server.Options{
		Version: version,
		Command: command,
		Logger:  log,
	})

	port, listener, err := findAvailablePort(cfg.Port, log)
	if err != nil {
		fail("Could not find available port: %v", err)
	}
	url := fmt.Sprintf("http://localhost:%d", port)

	go func() {
		if err := http.Serve(listener, srv.Handler()); err != nil {
			log.Error("HTTP server error: %v", err)
		}
	}()

	a := newApp(manager, url, log, func(u string) { openURL(u, log) })
	defer shutdown(a, manager)

	// Models named on the command line
	var first *session.Session
	for _, path := range flag.Args() {
		s, err := a.load(path)
		if err != nil {
			log.Error("%v", err)
			continue
		}
		log.Info("Watching %s", s.Path())
		if first == nil {
			first = s
		}
	}

	if cfg.OpenBrowser {
		target := url
		if first != nil {
			target = a.viewURL(first)
		}
		go func() {
			time.Sleep(500 * time.Millisecond)
			openURL(target, log)
		}()
	}

	if *flagHeadless {
		runHeadless(a)
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	p := tea.NewProgram(initialModel(a, cwd), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		// TUI failed (likely no TTY available). Keep serving.
		fmt.Fprintf(os.Stderr, "Note: Running in headless mode (no TUI available)\n")
		runHeadless(a)
	}
}

// applyFlags overrides cfg with the flags given on the command line
func applyFlags(cfg *Config) {
	if *flagPort != 0 {
		cfg.Port = *flagPort
	}
	if *flagOpenSCAD != "" {
		cfg.OpenSCAD = *flagOpenSCAD
	}
	if *flagFormat != "" {
		cfg.PreviewFormat = *flagFormat
	}
	if *flagDebounce >= 0 {
		cfg.DebounceMS = int(flagDebounce.Milliseconds())
	}
	if *flagNoOpen {
		cfg.OpenBrowser = false
	} else if isFlagSet("open") {
		cfg.OpenBrowser = *flagOpen
	}
}

func shutdown(a *app, manager *session.Manager) {
	a.closeAll()
	sessions := manager.Sessions()
	manager.Dispose()
	session.Wait(sessions)
}

// runHeadless runs the server in non-interactive mode (like vite)
func runHeadless(a *app) {
	fmt.Println()
	fmt.Printf("  %s %s\n", nameStyle.Render(appName), dimStyle.Render("v"+version))
	fmt.Println()
	fmt.Printf("  %s  %s\n", labelStyle.Render("➜  Local:"), linkStyle.Render(a.url))
	fmt.Printf("  %s  %s\n", labelStyle.Render("➜  OpenSCAD:"), textStyle.Render(openscadCommand))
	for _, s := range a.manager.Sessions() {
		fmt.Printf("  %s  %s\n", labelStyle.Render("➜  Model:"), linkStyle.Render(a.viewURL(s)))
	}
	fmt.Println()

	// Print log lines until Ctrl+C
	done := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		close(done)
	}()
	a.log.Drain(os.Stdout, done)
	signal.Stop(sig)
}

// isFlagSet checks if a flag was explicitly set on command line
func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// findAvailablePort finds a free loopback port starting from the preferred
// port. The server renders any file a client names, so it is never exposed
// beyond this machine.
func findAvailablePort(preferred int, log *logx.Logger) (int, net.Listener, error) {
	if preferred == 0 {
		preferred = 8080
	}

	for port := preferred; port < preferred+100; port++ {
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			if port != preferred {
				log.Warn("Port %d in use, using %d instead", preferred, port)
			}
			return port, listener, nil
		}
	}

	return 0, nil, fmt.Errorf("no available port found in range %d-%d", preferred, preferred+99)
}

// openURL opens a URL in the default browser
func openURL(url string, log *logx.Logger) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		log.Warn("Cannot open browser on %s, please visit: %s", runtime.GOOS, url)
		return
	}

	if err := cmd.Start(); err != nil {
		log.Error("Failed to open browser: %v", err)
		log.Info("Please open manually: %s", url)
		return
	}
	go cmd.Wait()
}
