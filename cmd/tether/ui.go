package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zhubert/tether/claude"
	"github.com/zhubert/tether/config"
	"github.com/zhubert/tether/logger"
	"github.com/zhubert/tether/permission"
	"github.com/zhubert/tether/session"
	"github.com/zhubert/tether/transcript"
)

// Messages delivered into the Bubble Tea loop from the Runner's event
// stream and the Arbiter's decision rendezvous.
type (
	runnerEventMsg  struct{ ev claude.Event }
	eventsClosedMsg struct{}
	permissionMsg   struct{ pending *permission.PendingRequest }
)

type model struct {
	cfg     *config.Config
	runner  *claude.Runner
	arbiter *permission.Arbiter
	sess    *session.Session

	chat  viewport.Model
	input textarea.Model
	spin  spinner.Model
	th    theme

	width  int
	height int
	ready  bool

	streaming     bool
	bellPending   bool
	pending       *permission.PendingRequest
	autoEdit      bool
	lastModel     string
	statusMsg     string
	lastError     string
	fatalErr      string
	quitRequested bool
}

func newModel(cfg *config.Config, runner *claude.Runner, arbiter *permission.Arbiter, resolved *transcript.Resolved, workingDir string) model {
	input := textarea.New()
	input.Placeholder = "Ask anything. Enter sends, Esc interrupts, Ctrl+C quits."
	input.Prompt = "❯ "
	input.CharLimit = 0
	input.SetHeight(1)
	input.ShowLineNumbers = false
	input.KeyMap.InsertNewline.SetEnabled(false)
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#bd93f9"))

	return model{
		cfg:      cfg,
		runner:   runner,
		arbiter:  arbiter,
		sess:     replaySession(runner.SessionID(), workingDir, resolved.Messages, resolved.ContextTokens),
		chat:     viewport.New(0, 0),
		input:    input,
		spin:     sp,
		th:       newTheme(cfg.GetTheme()),
		autoEdit: cfg.GetAutoEdit(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spin.Tick,
		textarea.Blink,
		waitEvent(m.runner.Events()),
		waitPermission(m.arbiter.Requests()),
	)
}

// waitEvent blocks a command on the Runner's event stream; channel closure
// becomes its own message so the loop can wind down.
func waitEvent(ch <-chan claude.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return runnerEventMsg{ev: ev}
	}
}

// ringBell writes the terminal bell to stderr, outside the renderer's
// managed output.
func ringBell() tea.Msg {
	fmt.Fprint(os.Stderr, "\a")
	return nil
}

func waitPermission(ch <-chan *permission.PendingRequest) tea.Cmd {
	return func() tea.Msg {
		pending, ok := <-ch
		if !ok {
			return nil
		}
		return permissionMsg{pending: pending}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resize()
		m.renderChat()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case permissionMsg:
		m.pending = msg.pending
		m.input.Blur()
		m.resize()
		return m, nil

	case runnerEventMsg:
		cmd := m.applyEvent(msg.ev)
		if cmd != nil {
			return m, cmd
		}
		m.renderChat()
		cmds = append(cmds, waitEvent(m.runner.Events()))
		if m.bellPending {
			m.bellPending = false
			cmds = append(cmds, ringBell)
		}
		return m, tea.Batch(cmds...)

	case eventsClosedMsg:
		if !m.quitRequested {
			m.fatalErr = m.lastError
			if m.fatalErr == "" {
				m.fatalErr = "backend stream closed unexpectedly"
			}
		}
		return m, tea.Quit

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.chat, cmd = m.chat.Update(msg)
		return m, cmd
	}

	return m, tea.Batch(cmds...)
}

// applyEvent folds one stream event into the chat state. A non-nil command
// means the event ended the program.
func (m *model) applyEvent(ev claude.Event) tea.Cmd {
	switch ev := ev.(type) {
	case claude.TextDelta:
		m.liveTurn().AppendText(ev.Text)

	case claude.ToolUseStarted:
		t := m.liveTurn()
		if t.FindToolUse(ev.ID) == nil {
			t.AddToolUse(ev.ID, ev.Name, ev.Input)
		}

	case claude.ToolUseNeedsPermission:
		t := m.liveTurn()
		use := t.FindToolUse(ev.ID)
		if use == nil {
			input, _ := json.Marshal(ev.Input)
			use = t.AddToolUse(ev.ID, ev.Name, input)
		}
		use.Status = session.ToolUsePending

	case claude.ToolResult:
		t := m.liveTurn()
		if t.FindToolUse(ev.ID) == nil {
			t.AddToolUse(ev.ID, "", nil)
		}
		m.sess.AddToolResult(ev.ID, ev.Output, ev.IsError)
		if ev.IsError {
			if use := t.FindToolUse(ev.ID); use != nil && use.Status == session.ToolUsePending {
				use.Status = session.ToolUseDenied
			}
		}

	case claude.TurnComplete:
		if name := primaryModel(ev.ByModel); name != "" {
			m.lastModel = name
		}
		m.sess.CloseTurn(ev.OutputTokens, ev.ContextTokens, ev.TotalCostUSD)
		m.streaming = false
		m.statusMsg = ""
		if m.pending == nil {
			m.input.Focus()
		}
		if m.cfg.GetNotificationsEnabled() {
			m.bellPending = true
		}

	case claude.StreamError:
		m.lastError = ev.Message
		m.statusMsg = ev.Message

	case claude.Done:
		if !m.quitRequested && m.lastError != "" {
			m.fatalErr = m.lastError
		}
		return tea.Quit
	}
	return nil
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		m.quitRequested = true
		return *m, tea.Quit
	}

	if m.pending != nil {
		return m.handlePermissionKey(msg)
	}

	switch msg.String() {
	case "esc":
		if m.streaming {
			m.runner.Interrupt()
			m.statusMsg = "interrupting..."
			return *m, nil
		}
		return *m, nil
	case "shift+tab":
		m.autoEdit = !m.autoEdit
		m.arbiter.SetAutoEdit(m.autoEdit)
		m.cfg.SetAutoEdit(m.autoEdit)
		if err := m.cfg.Save(); err != nil {
			logger.WithComponent("ui").Warn("save config failed", "error", err)
		}
		return *m, nil
	case "enter":
		return m.submitPrompt()
	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		m.chat, cmd = m.chat.Update(msg)
		return *m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return *m, cmd
}

// handlePermissionKey answers the prompt in the footer. Standing approval
// comes in two widths: per kind ([a]) and per exact tool name ([t]). Neither
// is offered for execution-class tools; those stay one-decision-at-a-time.
func (m *model) handlePermissionKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	pending := m.pending
	switch msg.String() {
	case "y", "enter":
		pending.Respond(permission.AllowOnce)
	case "a":
		if pending.Kind == permission.KindExecute {
			return *m, nil
		}
		pending.Respond(permission.AllowAlways)
	case "t":
		if pending.Kind == permission.KindExecute {
			return *m, nil
		}
		m.arbiter.AllowTool(pending.Tool)
		pending.Respond(permission.AllowOnce)
	case "n", "d", "esc":
		pending.Respond(permission.Deny)
	default:
		return *m, nil
	}
	m.pending = nil
	if !m.streaming {
		m.input.Focus()
	}
	m.resize()
	m.renderChat()
	return *m, waitPermission(m.arbiter.Requests())
}

func (m *model) submitPrompt() (tea.Model, tea.Cmd) {
	prompt := strings.TrimSpace(m.input.Value())
	if prompt == "" {
		return *m, nil
	}
	if err := m.runner.Submit(prompt); err != nil {
		var stateErr *claude.StateError
		if errors.As(err, &stateErr) {
			m.statusMsg = stateErr.Reason
		} else {
			m.statusMsg = err.Error()
		}
		return *m, nil
	}
	m.sess.BeginTurn(prompt)
	m.input.Reset()
	m.streaming = true
	m.statusMsg = ""
	m.renderChat()
	return *m, nil
}

// liveTurn returns the open turn, opening one if a frame arrives outside a
// locally tracked turn (resumed sessions mid-flight).
func (m *model) liveTurn() *session.Turn {
	if t := m.sess.OpenTurn(); t != nil {
		return t
	}
	t, _ := m.sess.BeginTurn("")
	return t
}

func (m *model) resize() {
	footer := 3 // input + status bar
	if m.pending != nil {
		footer += 5 // permission prompt box
	}
	h := m.height - footer
	if h < 1 {
		h = 1
	}
	m.chat.Width = m.width
	m.chat.Height = h
	m.input.SetWidth(m.width - 2)
}

func (m *model) renderChat() {
	if !m.ready {
		return
	}
	atBottom := m.chat.AtBottom()
	m.chat.SetContent(renderTranscript(m.sess, m.th, m.width))
	if atBottom {
		m.chat.GotoBottom()
	}
}

func (m model) View() string {
	if !m.ready {
		return "starting..."
	}

	var b strings.Builder
	b.WriteString(m.chat.View())
	b.WriteString("\n")
	if m.pending != nil {
		b.WriteString(m.renderPermissionPrompt())
		b.WriteString("\n")
	}
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.statusBar())
	return b.String()
}

func (m model) renderPermissionPrompt() string {
	req := m.pending.Request
	desc := req.Description
	if desc == "" {
		desc = permission.Describe(req.Tool, req.Input)
	}
	keys := "[y] allow once  [a] always allow " + string(req.Kind) + "  [t] always allow " + req.Tool + "  [n] deny"
	if req.Kind == permission.KindExecute {
		keys = "[y] allow once  [n] deny"
	}
	body := fmt.Sprintf("%s wants to run:\n%s\n%s", req.Tool, desc, m.th.permKeys.Render(keys))
	return m.th.permission.Width(m.width - 4).Render(body)
}

func (m model) statusBar() string {
	parts := []string{shortID(m.sess.ID)}
	if m.streaming {
		parts = append(parts, m.spin.View()+"thinking")
	}
	if m.lastModel != "" {
		parts = append(parts, m.lastModel)
	}
	parts = append(parts, fmt.Sprintf("ctx %d%%", int(m.sess.ContextFraction(m.cfg.GetContextWindow())*100)))
	if m.sess.TotalCostUSD > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f", m.sess.TotalCostUSD))
	}
	if m.autoEdit {
		parts = append(parts, m.th.statusWarn.Render("auto-edit"))
	}
	if g := grantedKinds(m.arbiter); g != "" {
		parts = append(parts, m.th.statusWarn.Render("always: "+g))
	}
	line := m.th.status.Render(strings.Join(parts, " · "))
	if m.statusMsg != "" {
		line += "  " + m.th.errText.Render(m.statusMsg)
	}
	return line
}

// grantedKinds lists the kinds holding a standing allow-always grant, so the
// status bar shows what no longer prompts.
func grantedKinds(a *permission.Arbiter) string {
	var names []string
	for _, k := range []permission.Kind{permission.KindEdit, permission.KindExecute, permission.KindRead, permission.KindOther} {
		if a.Granted(k) {
			names = append(names, string(k))
		}
	}
	return strings.Join(names, ",")
}

// primaryModel picks the model that produced the bulk of a turn's output,
// so subagent models don't displace the main one in the status bar.
func primaryModel(byModel []claude.ModelTokenCount) string {
	name := ""
	best := -1
	for _, mc := range byModel {
		if mc.OutputTokens > best {
			best = mc.OutputTokens
			name = mc.Model
		}
	}
	return name
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
