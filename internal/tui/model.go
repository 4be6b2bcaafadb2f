// Package tui is the bubbletea dashboard behind `backupdesk watch`. It renders
// live backup progress and node health from the console feeds and reports
// every key, mouse and resize event to the idle guard.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/backupdesk/backupdesk/internal/model"
	"github.com/backupdesk/backupdesk/internal/stream"
)

// Monitor is the per-site backup feed
type Monitor interface {
	Watch() (<-chan stream.Update, func())
	Snapshot(id int) (*model.BackupStatus, bool)
	ConnState(id int) stream.ConnState
}

// Fleet is the node stats feed
type Fleet interface {
	Watch() (<-chan stream.StatsUpdate, func())
	Stats() (*model.FleetStats, bool)
	Connected() bool
	Err() string
}

// Activity receives user input events
type Activity interface {
	Touch()
}

// SessionEndedMsg closes the dashboard once the session is gone
type SessionEndedMsg struct {
	Reason string
}

type (
	updateMsg     stream.Update
	statsMsg      stream.StatsUpdate
	feedClosedMsg struct{}
)

type view int

const (
	viewBackups view = iota
	viewNodes
)

type Model struct {
	sites    []int
	monitor  Monitor
	fleet    Fleet
	activity Activity

	updates     <-chan stream.Update
	stats       <-chan stream.StatsUpdate
	stopUpdates func()
	stopStats   func()

	statuses       map[int]*model.BackupStatus
	conns          map[int]stream.ConnState
	fleetStats     *model.FleetStats
	fleetConnected bool
	fleetErr       string

	view   view
	cursor int
	nodes  table.Model
	bar    progress.Model
	spin   spinner.Model
	help   help.Model
	keys   KeyMap
	width  int
	ended  string
}

// New builds the dashboard for sites. fleet may be nil, which hides the
// nodes tab. Call Close on the final model to release the feed watchers.
func New(sites []int, monitor Monitor, fleet Fleet, activity Activity) Model {
	m := Model{
		sites:    sites,
		monitor:  monitor,
		fleet:    fleet,
		activity: activity,
		statuses: make(map[int]*model.BackupStatus),
		conns:    make(map[int]stream.ConnState),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(30), progress.WithoutPercentage()),
		spin:     spinner.New(spinner.WithSpinner(spinner.Dot)),
		help:     help.New(),
		keys:     DefaultKeyMap,
	}

	m.updates, m.stopUpdates = monitor.Watch()
	for _, id := range sites {
		if s, ok := monitor.Snapshot(id); ok {
			m.statuses[id] = s
		}
		m.conns[id] = monitor.ConnState(id)
	}

	m.nodes = newNodeTable()
	if fleet != nil {
		m.stats, m.stopStats = fleet.Watch()
		m.fleetConnected = fleet.Connected()
		m.fleetErr = fleet.Err()
		if s, ok := fleet.Stats(); ok {
			m.fleetStats = s
			m.nodes.SetRows(nodeRows(s))
		}
	}
	return m
}

func newNodeTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Node", Width: 18},
			{Title: "Status", Width: 8},
			{Title: "CPU", Width: 7},
			{Title: "Mem", Width: 7},
			{Title: "Disk", Width: 7},
			{Title: "Uptime", Width: 10},
			{Title: "Backups", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorSubtle).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.Foreground(colorHighlight).Bold(false)
	t.SetStyles(s)
	return t
}

// Close stops the feed watchers the model holds
func (m Model) Close() {
	if m.stopUpdates != nil {
		m.stopUpdates()
	}
	if m.stopStats != nil {
		m.stopStats()
	}
}

// Ended returns why the session ended, or "" if the user quit
func (m Model) Ended() string {
	return m.ended
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spin.Tick, waitForUpdate(m.updates)}
	if m.stats != nil {
		cmds = append(cmds, waitForStats(m.stats))
	}
	return tea.Batch(cmds...)
}

func waitForUpdate(ch <-chan stream.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return feedClosedMsg{}
		}
		return updateMsg(u)
	}
}

func waitForStats(ch <-chan stream.StatsUpdate) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return feedClosedMsg{}
		}
		return statsMsg(u)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.touch()
		m.width = msg.Width
		m.bar.Width = max(10, min(40, msg.Width/3))
		m.nodes.SetHeight(max(3, msg.Height-10))
		return m, nil

	case tea.MouseMsg:
		m.touch()
		return m, nil

	case tea.KeyMsg:
		m.touch()
		return m.handleKey(msg)

	case updateMsg:
		if msg.Snapshot != nil {
			m.statuses[msg.ID] = msg.Snapshot
		}
		m.conns[msg.ID] = msg.Conn
		return m, waitForUpdate(m.updates)

	case statsMsg:
		m.fleetConnected = msg.Connected
		m.fleetErr = msg.Error
		if msg.Stats != nil {
			m.fleetStats = msg.Stats
			m.nodes.SetRows(nodeRows(msg.Stats))
		}
		return m, waitForStats(m.stats)

	case SessionEndedMsg:
		m.ended = msg.Reason
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) touch() {
	if m.activity != nil {
		m.activity.Touch()
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Tab):
		if m.fleet != nil {
			if m.view == viewBackups {
				m.view = viewNodes
			} else {
				m.view = viewBackups
			}
		}
		return m, nil
	}

	if m.view == viewNodes {
		var cmd tea.Cmd
		m.nodes, cmd = m.nodes.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.sites)-1 {
			m.cursor++
		}
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("backupdesk"))
	b.WriteString("\n")
	b.WriteString(m.tabs())
	b.WriteString("\n\n")

	if m.view == viewNodes {
		b.WriteString(m.nodesView())
	} else {
		b.WriteString(m.backupsView())
	}

	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render(m.help.View(m.keys)))
	return docStyle.Render(b.String())
}

func (m Model) tabs() string {
	backups, nodes := activeTabStyle, tabStyle
	if m.view == viewNodes {
		backups, nodes = tabStyle, activeTabStyle
	}
	if m.fleet == nil {
		return backups.Render("Backups")
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, backups.Render("Backups"), nodes.Render("Nodes"))
}

func (m Model) backupsView() string {
	if len(m.sites) == 0 {
		return helpStyle.Render("No sites selected")
	}

	rows := make([]string, 0, len(m.sites)+1)
	for i, id := range m.sites {
		marker := "  "
		if i == m.cursor {
			marker = activeTabStyle.UnsetPadding().UnsetUnderline().Render("> ")
		}
		rows = append(rows, marker+m.backupRow(id))
	}

	if m.cursor < len(m.sites) {
		if detail := m.backupDetail(m.sites[m.cursor]); detail != "" {
			rows = append(rows, "", detail)
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m Model) backupRow(id int) string {
	status, ok := m.statuses[id]
	conn := m.conns[id]

	name := fmt.Sprintf("site %d", id)
	if ok && status.SiteName != "" {
		name = status.SiteName
	}
	nameCell := cellStyle.Width(24).Render(name)

	if !ok {
		if conn.Error != "" {
			return nameCell + errorStyle.Render(conn.Error)
		}
		return nameCell + m.spin.View() + " connecting"
	}

	state := string(status.Status)
	return lipgloss.JoinHorizontal(lipgloss.Top,
		nameCell,
		cellStyle.Width(11).Render(stateStyle(state).Render(state)),
		cellStyle.Render(m.bar.ViewAs(status.Progress/100)),
		cellStyle.Width(6).Render(fmt.Sprintf("%3.0f%%", status.Progress)),
		helpStyle.Render(connLabel(conn)),
	)
}

func (m Model) backupDetail(id int) string {
	status, ok := m.statuses[id]
	if !ok {
		return ""
	}

	var parts []string
	if status.Message != "" {
		parts = append(parts, status.Message)
	}
	if status.Stage != nil {
		stage := *status.Stage
		if status.StageDetail != nil {
			stage += ": " + *status.StageDetail
		}
		parts = append(parts, "stage "+stage)
	}
	if status.BytesTotal > 0 {
		parts = append(parts, fmt.Sprintf("%s / %s", humanBytes(status.BytesProcessed), humanBytes(status.BytesTotal)))
	}
	if status.Error != nil {
		parts = append(parts, errorStyle.Render(*status.Error))
	}
	return helpStyle.Render(strings.Join(parts, "  ·  "))
}

func connLabel(c stream.ConnState) string {
	switch {
	case c.Terminal:
		return "done"
	case c.Error != "":
		return string(c.Mode) + " (" + c.Error + ")"
	case c.Mode == stream.ModeNone:
		return ""
	default:
		return string(c.Mode)
	}
}

func (m Model) nodesView() string {
	var status string
	switch {
	case m.fleetErr != "":
		status = errorStyle.Render(m.fleetErr)
	case m.fleetConnected:
		status = successStyle.Render("● live")
	default:
		status = m.spin.View() + " connecting"
	}

	if m.fleetStats == nil {
		return status
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		status+helpStyle.Render("  sampled "+m.fleetStats.Timestamp),
		"",
		m.nodes.View(),
	)
}

func nodeRows(stats *model.FleetStats) []table.Row {
	rows := make([]table.Row, 0, len(stats.Nodes))
	for _, n := range stats.Nodes {
		host := n.Hostname
		if n.IsMaster {
			host += " ★"
		}
		uptime := "-"
		if n.UptimeSeconds != nil {
			uptime = (time.Duration(*n.UptimeSeconds) * time.Second).Truncate(time.Minute).String()
		}
		rows = append(rows, table.Row{
			host,
			string(n.Status),
			percent(n.CPUPercent),
			percent(n.MemoryPercent),
			percent(n.DiskPercent),
			uptime,
			fmt.Sprint(n.ActiveBackups),
		})
	}
	return rows
}

func percent(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
