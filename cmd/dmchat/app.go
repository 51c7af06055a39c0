package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"dmchat/internal/chatclient"
	"dmchat/internal/resolver"
)

type screen int

const (
	screenLogin screen = iota
	screenRegister
	screenChat
)

var (
	colSuccess = lipgloss.Color("#39FF14")
	colWarning = lipgloss.Color("#FFAD00")
	colError   = lipgloss.Color("#FF3131")
	colMuted   = lipgloss.Color("#888888")
	colAccent  = lipgloss.Color("#00FFFF")

	headerStyle = lipgloss.NewStyle().Foreground(colAccent).Bold(true).Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(colMuted)
	errorStyle  = lipgloss.NewStyle().Foreground(colError)
	selfStyle   = lipgloss.NewStyle().Foreground(colAccent)
	otherStyle  = lipgloss.NewStyle().Foreground(colSuccess)
	footerStyle = lipgloss.NewStyle().Foreground(colMuted).Faint(true)
)

// refreshMsg arrives whenever the client's observable state changed on a
// background goroutine. The model just re-renders from the client.
type refreshMsg struct{}

// noticeMsg arrives when another instance announces a login.
type noticeMsg struct{ handle string }

type authDoneMsg struct {
	err        error
	registered bool
}

type model struct {
	client *chatclient.Client
	ctx    context.Context

	screen screen
	inputs []textinput.Model // login: email, password; register: handle, email, password
	focus  int

	handleInput  textinput.Model
	messageInput textinput.Model
	typingInBar  bool // true when the correspondent bar has focus

	err      error
	notice   string
	busy     bool
	quitting bool
}

func newModel(ctx context.Context, client *chatclient.Client, restored bool) model {
	m := model{client: client, ctx: ctx}

	m.handleInput = textinput.New()
	m.handleInput.Placeholder = "username"
	m.handleInput.CharLimit = 50
	m.handleInput.Width = 30
	m.handleInput.Prompt = "To: "

	m.messageInput = textinput.New()
	m.messageInput.Placeholder = "type a message"
	m.messageInput.CharLimit = 500
	m.messageInput.Width = 60
	m.messageInput.Prompt = "> "

	if restored {
		m.screen = screenChat
		m.enterChat()
	} else {
		m.setupLogin()
	}
	return m
}

func (m *model) setupLogin() {
	m.screen = screenLogin
	m.inputs = makeInputs("email", "password")
	m.focus = 0
	m.inputs[0].Focus()
}

func (m *model) setupRegister() {
	m.screen = screenRegister
	m.inputs = makeInputs("username", "email", "password")
	m.focus = 0
	m.inputs[0].Focus()
}

func makeInputs(placeholders ...string) []textinput.Model {
	inputs := make([]textinput.Model, len(placeholders))
	for i, p := range placeholders {
		ti := textinput.New()
		ti.Placeholder = p
		ti.CharLimit = 100
		ti.Width = 40
		if p == "password" {
			ti.EchoMode = textinput.EchoPassword
		}
		inputs[i] = ti
	}
	return inputs
}

// enterChat prefills the correspondent bar with the remembered handle and
// kicks off resolution for it.
func (m *model) enterChat() {
	m.typingInBar = true
	m.handleInput.Focus()
	m.messageInput.Blur()
	if last := m.client.LastCorrespondent(m.ctx); last != "" {
		m.handleInput.SetValue(last)
		m.client.SetHandle(m.ctx, last)
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case refreshMsg:
		return m, nil

	case noticeMsg:
		m.notice = fmt.Sprintf("%s logged in elsewhere", msg.handle)
		return m, nil

	case authDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		if msg.registered {
			m.notice = "account created, log in to continue"
			m.setupLogin()
			return m, nil
		}
		m.screen = screenChat
		m.enterChat()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}

	switch m.screen {
	case screenLogin, screenRegister:
		return m.updateAuth(msg)
	case screenChat:
		return m.updateChat(msg)
	}
	return m, nil
}

func (m model) updateAuth(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab", "up", "down":
		if msg.String() == "shift+tab" || msg.String() == "up" {
			m.focus--
		} else {
			m.focus++
		}
		if m.focus < 0 {
			m.focus = len(m.inputs) - 1
		}
		if m.focus >= len(m.inputs) {
			m.focus = 0
		}
		for i := range m.inputs {
			if i == m.focus {
				m.inputs[i].Focus()
			} else {
				m.inputs[i].Blur()
			}
		}
		return m, textinput.Blink

	case "ctrl+r":
		if m.screen == screenLogin {
			m.setupRegister()
		} else {
			m.setupLogin()
		}
		m.err = nil
		return m, textinput.Blink

	case "enter":
		if m.busy {
			return m, nil
		}
		m.busy = true
		if m.screen == screenLogin {
			email, password := m.inputs[0].Value(), m.inputs[1].Value()
			return m, func() tea.Msg {
				return authDoneMsg{err: m.client.Login(m.ctx, email, password)}
			}
		}
		handle, email, password := m.inputs[0].Value(), m.inputs[1].Value(), m.inputs[2].Value()
		return m, func() tea.Msg {
			return authDoneMsg{err: m.client.Register(m.ctx, handle, email, password), registered: true}
		}
	}

	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

func (m model) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "tab":
		m.typingInBar = !m.typingInBar
		if m.typingInBar {
			m.handleInput.Focus()
			m.messageInput.Blur()
		} else {
			m.handleInput.Blur()
			m.messageInput.Focus()
		}
		return m, textinput.Blink

	case "ctrl+l":
		if err := m.client.Logout(m.ctx); err != nil {
			m.err = err
		}
		m.handleInput.SetValue("")
		m.messageInput.SetValue("")
		m.setupLogin()
		return m, textinput.Blink

	case "enter":
		if m.typingInBar {
			// Resolution already tracks every edit; enter just moves focus.
			m.typingInBar = false
			m.handleInput.Blur()
			m.messageInput.Focus()
			return m, textinput.Blink
		}
		if err := m.client.SendText(m.messageInput.Value()); err != nil {
			m.err = err
			return m, nil
		}
		m.err = nil
		m.messageInput.SetValue("")
		return m, nil
	}

	var cmd tea.Cmd
	if m.typingInBar {
		before := m.handleInput.Value()
		m.handleInput, cmd = m.handleInput.Update(msg)
		if v := m.handleInput.Value(); v != before {
			m.client.SetHandle(m.ctx, v)
		}
	} else {
		m.messageInput, cmd = m.messageInput.Update(msg)
	}
	return m, cmd
}

func (m model) View() string {
	if m.quitting {
		return "bye\n"
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("dmchat") + "\n\n")

	switch m.screen {
	case screenLogin, screenRegister:
		title := "Log in"
		footer := "enter: log in • ctrl+r: register instead • ctrl+c: quit"
		if m.screen == screenRegister {
			title = "Create account"
			footer = "enter: register • ctrl+r: back to login • ctrl+c: quit"
		}
		b.WriteString(mutedStyle.Render(title) + "\n\n")
		for i := range m.inputs {
			b.WriteString(m.inputs[i].View() + "\n")
		}
		if m.busy {
			b.WriteString("\n" + mutedStyle.Render("working...") + "\n")
		}
		if m.err != nil {
			b.WriteString("\n" + errorStyle.Render("✘ "+m.err.Error()) + "\n")
		}
		if m.notice != "" {
			b.WriteString("\n" + mutedStyle.Render(m.notice) + "\n")
		}
		b.WriteString("\n" + footerStyle.Render(footer))

	case screenChat:
		b.WriteString(m.statusLine() + "\n\n")
		b.WriteString(m.handleInput.View() + "  " + m.resolutionBadge() + "\n\n")
		b.WriteString(m.transcript())
		b.WriteString("\n" + m.messageInput.View() + "\n")
		if m.err != nil {
			b.WriteString(errorStyle.Render("✘ " + m.err.Error()) + "\n")
		}
		if m.notice != "" {
			b.WriteString(mutedStyle.Render(m.notice) + "\n")
		}
		b.WriteString(footerStyle.Render("tab: switch field • ctrl+l: log out • ctrl+c: quit"))
	}

	b.WriteString("\n")
	return b.String()
}

func (m model) statusLine() string {
	self, ok := m.client.Self()
	who := "(nobody)"
	if ok {
		who = self.Handle
	}
	conn := lipgloss.NewStyle().Foreground(colError).Render("● offline")
	if m.client.Connected() {
		conn = lipgloss.NewStyle().Foreground(colSuccess).Render("● online")
	}
	return selfStyle.Render(who) + "  " + conn
}

func (m model) resolutionBadge() string {
	r := m.client.Resolution()
	switch r.State {
	case resolver.StateSearching:
		return lipgloss.NewStyle().Foreground(colWarning).Render("searching...")
	case resolver.StateResolved:
		return otherStyle.Render("✓ " + r.Identity.Handle)
	case resolver.StateNotFound:
		return errorStyle.Render("not found")
	default:
		return ""
	}
}

func (m model) transcript() string {
	msgs := m.client.Messages()
	if len(msgs) == 0 {
		return mutedStyle.Render("  no messages yet") + "\n"
	}

	self, _ := m.client.Self()
	var b strings.Builder
	for _, msg := range msgs {
		who := msg.SenderHandle
		style := otherStyle
		if msg.FromSelf {
			who = self.Handle
			style = selfStyle
		}
		if who == "" {
			who = msg.SenderID.String()
		}
		stamp := ""
		if !msg.CreatedAt.IsZero() {
			stamp = mutedStyle.Render(msg.CreatedAt.Local().Format(time.Kitchen)) + " "
		}
		b.WriteString(fmt.Sprintf("  %s%s: %s\n", stamp, style.Render(who), msg.Text))
	}
	return b.String()
}
