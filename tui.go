package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mitchellh/go-homedir"

	"scadview/internal/logx"
)

// ============================================================
// TUI Model and Messages
// ============================================================

// UI mode for the TUI
type uiMode int

const (
	modeNormal uiMode = iota
	modeBrowse
)

// logMsg is sent when there's a new log entry
type logMsg logx.Entry

// tickMsg is sent periodically to refresh the status bar
type tickMsg time.Time

// TUI model
type model struct {
	app         *app
	input       textinput.Model
	filepicker  filepicker.Model
	viewport    viewport.Model
	logs        []logx.Entry
	maxLogs     int
	entries     <-chan logx.Entry
	quitting    bool
	width       int
	height      int
	mode        uiMode
	ready       bool // viewport initialized
	showWelcome bool
}

// Welcome screen content for interactive TUI
func getWelcomeContent() string {
	return `
  ┌─────────────────────────────────────────────────────────────┐
  │              scadview - OpenSCAD live preview               │
  │        Edit .scad files, see the model update instantly     │
  └─────────────────────────────────────────────────────────────┘

  ┌─ Quick Start ───────────────────────────────────────────────┐
  │  1. Press Tab and pick a .scad file                         │
  │  2. The preview opens in your browser                       │
  │  3. Save the file in your editor to re-render               │
  │  4. Tweak customizer parameters in the browser or with /set │
  └─────────────────────────────────────────────────────────────┘

  ┌─ Commands ──────────────────────────────────────────────────┐
  │  Tab              Open file browser                         │
  │  /open <file>     Open a model in the browser               │
  │  /params          Show parameters of the current model      │
  │  /export stl      Save the current model as STL             │
  │  /help, /h        Show all commands                         │
  │  /quit, /q        Exit (or Ctrl+C)                          │
  └─────────────────────────────────────────────────────────────┘
`
}

func initialModel(a *app, dir string) model {
	// Text input
	ti := textinput.New()
	ti.Placeholder = "Type /help for commands or press Tab to pick a .scad file..."
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 60
	ti.Prompt = "❯ "
	ti.PromptStyle = nameStyle
	ti.TextStyle = textStyle

	// File picker, only .scad files can be selected
	fp := filepicker.New()
	fp.AllowedTypes = []string{".scad"}
	fp.CurrentDirectory = dir
	fp.ShowHidden = false
	fp.ShowSize = true
	fp.ShowPermissions = false
	fp.DirAllowed = true
	fp.FileAllowed = true
	fp.Height = 15
	fp.AutoHeight = false
	// Green = selectable, Blue = navigable, Gray = disabled
	fp.Styles.Cursor = cursorStyle.Bold(true)
	fp.Styles.Directory = labelStyle
	fp.Styles.File = greenStyle
	fp.Styles.Symlink = symlinkStyle
	fp.Styles.Selected = nameStyle
	fp.Styles.DisabledCursor = cursorStyle
	fp.Styles.DisabledFile = faintStyle
	fp.Styles.DisabledSelected = dimStyle

	// Viewport for logs
	vp := viewport.New(80, 10)
	vp.SetContent("")

	return model{
		app:         a,
		input:       ti,
		filepicker:  fp,
		viewport:    vp,
		maxLogs:     200,
		entries:     a.log.Entries(),
		mode:        modeNormal,
		showWelcome: true,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.listenForLogs(),
		tickCmd(),
		m.filepicker.Init(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) listenForLogs() tea.Cmd {
	if m.entries == nil {
		return nil
	}
	return func() tea.Msg {
		return logMsg(<-m.entries)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyTab:
			if m.mode == modeNormal {
				m.mode = modeBrowse
				m.showWelcome = false
			} else {
				m.mode = modeNormal
			}
			return m, nil
		case tea.KeyEsc:
			if m.mode == modeBrowse {
				m.mode = modeNormal
				return m, nil
			}
		}

		if m.mode == modeBrowse {
			m.filepicker, cmd = m.filepicker.Update(msg)
			cmds = append(cmds, cmd)

			if didSelect, path := m.filepicker.DidSelectFile(msg); didSelect {
				m.mode = modeNormal
				cmds = append(cmds, m.handleCommand("/open "+path))
			}
			return m, tea.Batch(cmds...)
		}

		if msg.Type == tea.KeyEnter {
			input := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			m.showWelcome = false
			if input != "" {
				cmds = append(cmds, m.handleCommand(input))
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 6

		// Leave room for header, input and status
		headerHeight := 4
		inputHeight := 3
		statusHeight := 2
		vpHeight := msg.Height - headerHeight - inputHeight - statusHeight - 2
		if vpHeight < 5 {
			vpHeight = 5
		}
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = vpHeight
		m.filepicker.Height = vpHeight
		m.ready = true

	case logMsg:
		m.addLog(logx.Entry(msg))
		m.showWelcome = false
		m.updateViewportContent()
		cmds = append(cmds, m.listenForLogs())

	case commandMsg:
		switch {
		case msg.quit:
			m.quitting = true
			return m, tea.Quit
		case msg.clear:
			m.logs = nil
			m.viewport.SetContent("")
		case msg.browse:
			m.mode = modeBrowse
			m.showWelcome = false
		}
		if msg.text != "" {
			m.addLog(logx.Entry{Time: time.Now(), Text: msg.text, Style: msg.style})
			m.showWelcome = false
			m.updateViewportContent()
		}

	case tickMsg:
		cmds = append(cmds, tickCmd())
	}

	// The filepicker reads directories through its own messages
	if _, ok := msg.(tea.KeyMsg); !ok {
		m.filepicker, cmd = m.filepicker.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.mode == modeNormal {
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// commandMsg carries the result of a command back into Update.
type commandMsg result

func (m model) handleCommand(input string) tea.Cmd {
	a := m.app
	return func() tea.Msg {
		return commandMsg(a.run(input))
	}
}

func (m *model) updateViewportContent() {
	lines := make([]string, 0, len(m.logs))
	for _, entry := range m.logs {
		lines = append(lines, logx.Render(entry))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *model) addLog(e logx.Entry) {
	m.logs = append(m.logs, e)
	if len(m.logs) > m.maxLogs {
		m.logs = m.logs[1:]
	}
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	header := titleStyle.Render(fmt.Sprintf("%s v%s", appName, version))
	urlLine := dimStyle.Render("  Preview: ") + greenStyle.Render(m.app.url) +
		dimStyle.Render("  •  Command: ") + blueStyle.Render(openscadCommand)

	var body, hints string
	switch {
	case m.mode == modeBrowse:
		body = m.browseView()
		hints = modeStyle.Render(" [BROWSE] ") + dimStyle.Render("Tab: exit • Enter: select • h/←: back")
	case m.showWelcome && len(m.logs) == 0:
		body = getWelcomeContent()
		hints = dimStyle.Render("Tab: browse • /help: commands")
	default:
		body = m.viewport.View()
		hints = dimStyle.Render("Tab: browse • /help: commands")
	}

	height := m.height
	if height == 0 {
		height = 24
	}
	// header and url, input box, status and hints, blank separators
	body = fitLines(body, height-2-3-1-1-2)

	return strings.Join([]string{
		header,
		urlLine,
		"",
		body,
		"",
		inputBorder.Render(m.input.View()),
		dimStyle.Render(m.statusLine()),
		hints,
	}, "\n")
}

// statusLine summarizes the open models for the bar under the input.
func (m model) statusLine() string {
	sessions := m.app.manager.Sessions()
	if len(sessions) == 0 {
		return "No model open  •  Press Tab to pick a .scad file or use /load"
	}
	current := m.app.currentName()
	if current == "" {
		current = sessions[0].Name()
	}
	line := fmt.Sprintf("📐 %s  •  %d model(s) open", current, len(sessions))
	if s, err := m.app.focused(""); err == nil {
		if _, ok := s.LastPreview(); !ok {
			line += "  •  rendering..."
		}
		line += fmt.Sprintf("  •  %d parameter(s)", len(s.Parameters().Parameters))
	}
	return line
}

// browseView is the file picker with its location and a colour key.
func (m model) browseView() string {
	dir := m.filepicker.CurrentDirectory
	if home, err := homedir.Dir(); err == nil && strings.HasPrefix(dir, home) {
		dir = "~" + dir[len(home):]
	}
	legend := legendStyle.Render("  ") +
		greenStyle.Render(".scad") + legendStyle.Render("=select  ") +
		blueStyle.Render("dir/") + legendStyle.Render("=navigate  ") +
		faintStyle.Render("other") + legendStyle.Render("=disabled")
	return crumbStyle.Render(" 📁 "+filepath.Clean(dir)+" ") + legend + "\n\n" + m.filepicker.View()
}

// fitLines pads s with blank lines, or keeps its last lines, so it is
// exactly n lines tall. The input box then stays at the bottom.
func fitLines(s string, n int) string {
	if n <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for len(lines) < n {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}
