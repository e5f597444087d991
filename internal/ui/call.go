package ui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ljdmx/SilentLink/internal/media"
	"github.com/ljdmx/SilentLink/internal/session"
	"github.com/ljdmx/SilentLink/internal/tunnel"
)

const (
	maxChatEntries   = 500
	maxTransferRows  = 4
	transferBarWidth = 25
)

type entryKind int

const (
	entryLocal entryKind = iota
	entryRemote
	entrySystem
	entryError
	entrySuccess
)

type chatEntry struct {
	at   time.Time
	kind entryKind
	text string
}

// transferRow tracks one file moving in either direction.
type transferRow struct {
	id          string
	name        string
	size        int64
	direction   tunnel.Direction
	bar         progress.Model
	transferred int64
	startedAt   time.Time
	speed       float64
	done        bool
	failed      bool
	note        string
}

// Messages produced outside the update loop.
type (
	sessionEventMsg session.Event
	sendResultMsg   struct {
		path string
		err  error
	}
	tickMsg time.Time
)

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// CallModel is the Bubble Tea model for a live call: chat log, input
// line, participant privacy bar and file transfer rows. All state
// changes arrive as messages; the session is only read from inside the
// update loop.
type CallModel struct {
	sess *session.Session
	room string

	status       session.Status
	statusDetail string
	remaining    time.Duration

	participants []session.Participant

	entries []chatEntry
	chat    viewport.Model
	input   textinput.Model

	transfers []*transferRow
	sending   bool

	spinner spinner.Model

	width, height int
	sized         bool

	connectedAt time.Time
	quitting    bool
}

// NewCallModel builds the model around an already started session.
func NewCallModel(sess *session.Session) *CallModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	ti := textinput.New()
	ti.Prompt = "> "
	ti.PromptStyle = ChatLocalStyle
	ti.Placeholder = "message, /send <path>, /filter <mode>, /mute, /camera, /quit"
	ti.Focus()

	return &CallModel{
		sess:         sess,
		room:         sess.RoomID(),
		status:       sess.Status(),
		remaining:    sess.Remaining(),
		participants: sess.Participants(),
		chat:         viewport.New(80, 12),
		input:        ti,
		spinner:      s,
		width:        80,
		height:       24,
	}
}

// RunCall drives the model until the user leaves or the session ends.
func RunCall(sess *session.Session) error {
	p := tea.NewProgram(NewCallModel(sess), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m *CallModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		textinput.Blink,
		m.waitForEvents(),
		tickEvery(),
	)
}

// waitForEvents relays one session event into the program, then gets
// re-armed by Update. The single reader keeps event order intact.
func (m *CallModel) waitForEvents() tea.Cmd {
	events := m.sess.Events()
	return func() tea.Msg {
		return sessionEventMsg(<-events)
	}
}

func (m *CallModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if cmd := m.submitInput(); cmd != nil {
				cmds = append(cmds, cmd)
			}
			if m.quitting {
				return m, tea.Batch(cmds...)
			}
		case "pgup":
			m.chat.LineUp(3)
		case "pgdown":
			m.chat.LineDown(3)
		default:
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.sized = true
		m.layout()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		m.remaining = m.sess.Remaining()
		m.updateSpeeds()
		if !m.quitting {
			cmds = append(cmds, tickEvery())
		}

	case sessionEventMsg:
		if cmd := m.handleEvent(session.Event(msg)); cmd != nil {
			cmds = append(cmds, cmd)
		}
		if !m.quitting {
			cmds = append(cmds, m.waitForEvents())
		}

	case sendResultMsg:
		m.sending = false
		m.finishOutgoing(msg)

	case progress.FrameMsg:
		for _, row := range m.transfers {
			model, cmd := row.bar.Update(msg)
			row.bar = model.(progress.Model)
			cmds = append(cmds, cmd)
		}

	default:
		// Cursor blinks and other component messages.
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *CallModel) handleEvent(ev session.Event) tea.Cmd {
	switch ev.Type {
	case session.EventParticipants:
		m.participants = ev.Participants

	case session.EventStatus:
		prev := m.status
		m.status = ev.Status
		m.statusDetail = ev.Detail
		switch ev.Status {
		case session.StatusConnected:
			if m.connectedAt.IsZero() {
				m.connectedAt = time.Now()
			}
			m.appendEntry(entrySuccess, "secure tunnel established")
		case session.StatusDisconnected, session.StatusExpired,
			session.StatusFailed, session.StatusClosed:
			m.quitting = true
			return tea.Quit
		default:
			if ev.Detail != "" && ev.Status != prev {
				m.appendEntry(entrySystem, ev.Detail)
			}
		}

	case session.EventMessage:
		m.appendRemoteMessage(ev.Message)

	case session.EventProgress:
		row := m.ensureRow(ev.Progress.ID, ev.Progress.Name,
			ev.Progress.Total, ev.Progress.Direction)
		row.transferred = ev.Progress.Transferred
		if row.startedAt.IsZero() {
			row.startedAt = time.Now()
		}
		// SendFile can return before its last progress event is
		// consumed; close the row once both have happened.
		if row.direction == tunnel.DirectionSend && !m.sending &&
			!row.failed && row.transferred >= row.size {
			row.done = true
		}

	case session.EventFileOffered:
		row := m.ensureRow(ev.Meta.ID, ev.Meta.Name, ev.Meta.Size, tunnel.DirectionReceive)
		row.startedAt = time.Now()
		m.appendEntry(entrySystem,
			fmt.Sprintf("%s peer is sending %s (%s)", IconFile, ev.Meta.Name, formatBytes(ev.Meta.Size)))

	case session.EventFileReceived:
		if row := m.findRow(ev.File.Meta.ID); row != nil {
			row.done = true
			row.transferred = row.size
			row.note = ev.File.Path
		}
		m.appendEntry(entrySuccess,
			fmt.Sprintf("received %s, saved to %s", ev.File.Meta.Name, ev.File.Path))

	case session.EventError:
		m.appendEntry(entryError, fmt.Sprintf("%s: %s", ev.Kind, ev.Detail))

	case session.EventExpired:
		// The status change that follows carries the detail.
	}
	return nil
}

func (m *CallModel) submitInput() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")
	if text == "" {
		return nil
	}
	if !strings.HasPrefix(text, "/") {
		if err := m.sess.SendChat(text); err != nil {
			m.appendEntry(entryError, fmt.Sprintf("send failed: %v", err))
			return nil
		}
		m.appendEntry(entryLocal, text)
		return nil
	}

	fields := strings.Fields(text)
	switch fields[0] {
	case "/quit", "/exit":
		m.quitting = true
		return tea.Quit

	case "/mute":
		if m.sess.ToggleAudio() {
			m.appendEntry(entrySystem, "microphone live")
		} else {
			m.appendEntry(entrySystem, "microphone muted")
		}

	case "/camera":
		if m.sess.ToggleVideo() {
			m.appendEntry(entrySystem, "camera on")
		} else {
			m.appendEntry(entrySystem, "camera off")
		}

	case "/filter":
		if len(fields) < 2 {
			m.appendEntry(entrySystem, "usage: /filter none|blur|mosaic|hidden")
			return nil
		}
		f, err := media.ParseFilter(fields[1])
		if err != nil {
			m.appendEntry(entryError, err.Error())
			return nil
		}
		m.sess.SetFilter(f)
		m.appendEntry(entrySystem, fmt.Sprintf("privacy filter set to %s", f))

	case "/send":
		if len(fields) < 2 {
			m.appendEntry(entrySystem, "usage: /send <path>")
			return nil
		}
		if m.sending {
			m.appendEntry(entrySystem, "a file is already on its way")
			return nil
		}
		path := strings.Join(fields[1:], " ")
		m.sending = true
		sess := m.sess
		return func() tea.Msg {
			err := sess.SendFile(context.Background(), path)
			return sendResultMsg{path: path, err: err}
		}

	default:
		m.appendEntry(entrySystem, fmt.Sprintf("unknown command %s", fields[0]))
	}
	return nil
}

// finishOutgoing resolves the active send row once SendFile returns.
// A failure before the announcement (unreadable path) has no row; the
// error lands in the log instead.
func (m *CallModel) finishOutgoing(msg sendResultMsg) {
	var active *transferRow
	for _, row := range m.transfers {
		if row.direction == tunnel.DirectionSend && !row.done && !row.failed {
			active = row
		}
	}
	if msg.err != nil {
		if active != nil {
			active.failed = true
			active.note = msg.err.Error()
		} else {
			m.appendEntry(entryError, fmt.Sprintf("send failed: %v", msg.err))
		}
		return
	}
	if active != nil {
		active.done = true
		active.transferred = active.size
		m.appendEntry(entrySuccess, fmt.Sprintf("sent %s", active.name))
		return
	}
	m.appendEntry(entrySuccess, fmt.Sprintf("sent %s", filepath.Base(msg.path)))
}

func (m *CallModel) ensureRow(id, name string, size int64, dir tunnel.Direction) *transferRow {
	if row := m.findRow(id); row != nil {
		return row
	}
	row := &transferRow{
		id:        id,
		name:      name,
		size:      size,
		direction: dir,
		bar: progress.New(
			progress.WithGradient(ProgressStart, ProgressEnd),
			progress.WithWidth(m.barWidth()),
			progress.WithoutPercentage(),
		),
	}
	m.transfers = append(m.transfers, row)
	return row
}

func (m *CallModel) findRow(id string) *transferRow {
	for _, row := range m.transfers {
		if row.id == id {
			return row
		}
	}
	return nil
}

func (m *CallModel) updateSpeeds() {
	for _, row := range m.transfers {
		if row.done || row.failed || row.startedAt.IsZero() {
			continue
		}
		elapsed := time.Since(row.startedAt).Seconds()
		if elapsed > 0 {
			row.speed = float64(row.transferred) / elapsed
		}
	}
}

func (m *CallModel) appendEntry(kind entryKind, text string) {
	m.pushEntry(chatEntry{at: time.Now(), kind: kind, text: text})
}

func (m *CallModel) appendRemoteMessage(msg session.Message) {
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	m.pushEntry(chatEntry{at: at, kind: entryRemote, text: msg.Text})
}

func (m *CallModel) pushEntry(e chatEntry) {
	m.entries = append(m.entries, e)
	if len(m.entries) > maxChatEntries {
		m.entries = m.entries[len(m.entries)-maxChatEntries:]
	}
	atBottom := m.chat.AtBottom()
	m.renderChat()
	if atBottom {
		m.chat.GotoBottom()
	}
}

func (m *CallModel) renderChat() {
	wrap := lipgloss.NewStyle().Width(m.chat.Width)
	lines := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		lines = append(lines, wrap.Render(m.renderEntry(e)))
	}
	m.chat.SetContent(strings.Join(lines, "\n"))
}

func (m *CallModel) renderEntry(e chatEntry) string {
	stamp := ChatTimeStyle.Render(e.at.Format("15:04"))
	switch e.kind {
	case entryLocal:
		return fmt.Sprintf("%s %s %s", stamp, ChatLocalStyle.Render("you"), e.text)
	case entryRemote:
		return fmt.Sprintf("%s %s %s", stamp, ChatRemoteStyle.Render("peer"), e.text)
	case entryError:
		return fmt.Sprintf("%s %s", stamp, ErrorStyle.Render(e.text))
	case entrySuccess:
		return fmt.Sprintf("%s %s", stamp, SuccessStyle.Render(e.text))
	default:
		return fmt.Sprintf("%s %s", stamp, SystemStyle.Render(e.text))
	}
}

func (m *CallModel) barWidth() int {
	w := m.width - 55
	if w > transferBarWidth {
		w = transferBarWidth
	}
	if w < 10 {
		w = 10
	}
	return w
}

// layout recomputes child sizes from the terminal size and the number
// of visible transfer rows.
func (m *CallModel) layout() {
	inner := m.width - 4
	if inner < 20 {
		inner = 20
	}
	m.input.Width = inner - 4

	fixed := 2 + 2 + 2 + 1 + 2
	if n := len(m.visibleTransfers()); n > 0 {
		fixed += n + 1
	}
	chatHeight := m.height - fixed
	if chatHeight < 3 {
		chatHeight = 3
	}
	m.chat.Width = inner
	m.chat.Height = chatHeight

	for _, row := range m.transfers {
		row.bar.Width = m.barWidth()
	}
	m.renderChat()
	m.chat.GotoBottom()
}

func (m *CallModel) visibleTransfers() []*transferRow {
	if len(m.transfers) <= maxTransferRows {
		return m.transfers
	}
	return m.transfers[len(m.transfers)-maxTransferRows:]
}

func (m *CallModel) View() string {
	if m.quitting || !m.sized {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.viewHeader() + "\n")

	switch m.status {
	case session.StatusConnected, session.StatusInterrupted:
		b.WriteString(m.viewLive())
	default:
		b.WriteString(m.viewConnecting())
	}

	b.WriteString("\n" + m.viewFooter())
	return ContainerStyle.Render(b.String())
}

func (m *CallModel) viewHeader() string {
	title := HeaderStyle.Render(fmt.Sprintf("%s SilentLink - %s", IconLock, m.room))

	badge := StatusStyle
	switch m.status {
	case session.StatusConnected:
		badge = badge.Background(Success)
	case session.StatusInterrupted:
		badge = badge.Background(Warning)
	}
	parts := []string{title, " ", badge.Render(string(m.status))}

	if !m.connectedAt.IsZero() {
		parts = append(parts, " ", MutedStyle.Render(
			fmt.Sprintf("%s %s", IconTime, formatDuration(time.Since(m.connectedAt)))))
	}
	// Top alignment keeps the one-line badge on the title row instead
	// of the header's bottom margin.
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m *CallModel) viewConnecting() string {
	var b strings.Builder
	detail := m.statusDetail
	if detail == "" {
		detail = "waiting for the peer connection"
	}
	b.WriteString(fmt.Sprintf("%s %s", m.spinner.View(), detail))
	if m.remaining > 0 && m.status != session.StatusConnected {
		b.WriteString(MutedStyle.Render(
			fmt.Sprintf("  (offer valid for %s)", formatDuration(m.remaining))))
	}
	b.WriteString("\n")
	return b.String()
}

func (m *CallModel) viewLive() string {
	var b strings.Builder

	b.WriteString(m.viewParticipants() + "\n\n")
	b.WriteString(m.chat.View() + "\n")

	if rows := m.visibleTransfers(); len(rows) > 0 {
		for _, row := range rows {
			b.WriteString(m.viewTransferRow(row) + "\n")
		}
	}

	b.WriteString(m.input.View())
	return b.String()
}

func (m *CallModel) viewParticipants() string {
	if len(m.participants) == 0 {
		return MutedStyle.Render("nobody here yet")
	}
	parts := make([]string, 0, len(m.participants))
	for _, p := range m.participants {
		parts = append(parts, describeParticipant(p))
	}
	return strings.Join(parts, MutedStyle.Render("  |  "))
}

func describeParticipant(p session.Participant) string {
	name := p.DisplayName
	if name == "" {
		if p.Local {
			name = "you"
		} else {
			name = "peer"
		}
	}

	mic := IconMic
	if !p.AudioEnabled {
		mic = IconMicOff
	}

	video := IconNoVideo
	if p.VideoEnabled && p.Filter != media.FilterHidden {
		video = IconCamera
		if p.Filter != media.FilterNone {
			video += " " + MutedStyle.Render(string(p.Filter))
		}
	}

	style := ChatRemoteStyle
	if p.Local {
		style = ChatLocalStyle
	}
	return fmt.Sprintf("%s %s %s %s", IconPeer, style.Render(name), mic, video)
}

func (m *CallModel) viewTransferRow(row *transferRow) string {
	var icon string
	var nameStyle lipgloss.Style

	switch {
	case row.failed:
		icon = IconError
		nameStyle = ErrorStyle
	case row.done:
		icon = IconSuccess
		nameStyle = SuccessStyle
	case row.transferred > 0:
		icon = m.spinner.View()
		nameStyle = lipgloss.NewStyle()
	default:
		icon = "○"
		nameStyle = MutedStyle
	}

	dir := IconSend
	if row.direction == tunnel.DirectionReceive {
		dir = IconReceive
	}

	var b strings.Builder
	name := truncateString(row.name, 25)
	b.WriteString(fmt.Sprintf("  %s %s %s ", icon, dir, nameStyle.Width(27).Render(name)))

	var percent float64
	if row.size > 0 {
		percent = float64(row.transferred) / float64(row.size)
	} else if row.done {
		percent = 1
	}
	b.WriteString(row.bar.ViewAs(percent))
	b.WriteString(fmt.Sprintf(" %5.1f%%", percent*100))

	switch {
	case row.failed:
		b.WriteString(ErrorStyle.Render(" " + truncateString(row.note, 30)))
	case !row.done && row.speed > 0:
		b.WriteString(MutedStyle.Render(" " + formatSpeed(row.speed)))
	}
	return b.String()
}

func (m *CallModel) viewFooter() string {
	if m.status == session.StatusConnected || m.status == session.StatusInterrupted {
		return FooterStyle.Render("enter to send, /send <path>, /filter none|blur|mosaic|hidden, /mute, /camera, /quit, pgup/pgdn to scroll")
	}
	return FooterStyle.Render("Press Ctrl+C to cancel")
}
