// Package review is an interactive queue of open orders. Each order shows the
// transactions the matcher ranked for it; the user links one or ignores the order.
package review

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jask/moneysync/internal/matching"
	"github.com/jask/moneysync/internal/service"
)

// Backend is the subset of the orchestrator the review screen drives.
type Backend interface {
	OpenOrders(ctx context.Context) ([]service.OrderView, error)
	FindOrderCandidates(ctx context.Context, orderID string) (service.CandidatesResult, error)
	LinkOrder(ctx context.Context, orderID string, txnID *string) (service.OrderResult, error)
	SetIgnored(ctx context.Context, orderID string, ignored bool) (service.OrderResult, error)
}

type pane int

const (
	paneOrders pane = iota
	paneCandidates
)

type ordersLoadedMsg struct {
	orders []service.OrderView
	err    error
}

type candidatesLoadedMsg struct {
	orderID    string
	candidates []matching.Candidate
	err        error
}

type actionDoneMsg struct {
	status string
	err    error
}

// Model is the bubbletea model of the review screen.
type Model struct {
	ctx     context.Context
	backend Backend

	pane       pane
	orders     []service.OrderView
	orderIdx   int
	candidates []matching.Candidate
	candIdx    int

	loading bool
	status  string
	err     error
	width   int

	// Linked and Ignored count what the session changed.
	Linked  int
	Ignored int
}

// New returns a model that loads the open orders on Init.
func New(ctx context.Context, b Backend) Model {
	return Model{ctx: ctx, backend: b, loading: true, width: 100}
}

func (m Model) Init() tea.Cmd {
	return m.loadOrdersCmd()
}

func (m Model) loadOrdersCmd() tea.Cmd {
	ctx, b := m.ctx, m.backend
	return func() tea.Msg {
		orders, err := b.OpenOrders(ctx)
		return ordersLoadedMsg{orders: orders, err: err}
	}
}

func (m Model) loadCandidatesCmd(orderID string) tea.Cmd {
	ctx, b := m.ctx, m.backend
	return func() tea.Msg {
		res, err := b.FindOrderCandidates(ctx, orderID)
		return candidatesLoadedMsg{orderID: orderID, candidates: res.Candidates, err: err}
	}
}

func (m Model) linkCmd(orderID, txnID string) tea.Cmd {
	ctx, b := m.ctx, m.backend
	return func() tea.Msg {
		_, err := b.LinkOrder(ctx, orderID, &txnID)
		return actionDoneMsg{status: fmt.Sprintf("linked %s to %s", orderID, txnID), err: err}
	}
}

func (m Model) ignoreCmd(orderID string) tea.Cmd {
	ctx, b := m.ctx, m.backend
	return func() tea.Msg {
		_, err := b.SetIgnored(ctx, orderID, true)
		return actionDoneMsg{status: "ignored " + orderID, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case ordersLoadedMsg:
		m.loading = false
		m.err = msg.err
		m.orders = msg.orders
		if m.orderIdx >= len(m.orders) {
			m.orderIdx = max(len(m.orders)-1, 0)
		}
		return m, nil
	case candidatesLoadedMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.pane = paneCandidates
			m.candidates = msg.candidates
			m.candIdx = 0
		}
		return m, nil
	case actionDoneMsg:
		m.err = msg.err
		if msg.err != nil {
			m.loading = false
			return m, nil
		}
		if strings.HasPrefix(msg.status, "linked") {
			m.Linked++
		} else {
			m.Ignored++
		}
		m.status = msg.status
		m.pane = paneOrders
		m.candidates = nil
		return m, m.loadOrdersCmd()
	case tea.KeyMsg:
		return m.updateKey(msg)
	}
	return m, nil
}

func (m Model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" || key == "q" {
		return m, tea.Quit
	}
	if m.loading {
		return m, nil
	}
	switch m.pane {
	case paneOrders:
		return m.updateOrders(key)
	case paneCandidates:
		return m.updateCandidates(key)
	}
	return m, nil
}

func (m Model) updateOrders(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "j", "down":
		if m.orderIdx < len(m.orders)-1 {
			m.orderIdx++
		}
	case "k", "up":
		if m.orderIdx > 0 {
			m.orderIdx--
		}
	case "r":
		m.loading = true
		return m, m.loadOrdersCmd()
	case "enter":
		if o, ok := m.currentOrder(); ok {
			m.loading = true
			m.err = nil
			return m, m.loadCandidatesCmd(o.ID)
		}
	case "i":
		if o, ok := m.currentOrder(); ok {
			m.loading = true
			return m, m.ignoreCmd(o.ID)
		}
	}
	return m, nil
}

func (m Model) updateCandidates(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "j", "down":
		if m.candIdx < len(m.candidates)-1 {
			m.candIdx++
		}
	case "k", "up":
		if m.candIdx > 0 {
			m.candIdx--
		}
	case "esc":
		m.pane = paneOrders
		m.candidates = nil
	case "enter":
		o, ok := m.currentOrder()
		if !ok || len(m.candidates) == 0 {
			return m, nil
		}
		m.loading = true
		return m, m.linkCmd(o.ID, m.candidates[m.candIdx].TransactionID)
	case "i":
		if o, ok := m.currentOrder(); ok {
			m.loading = true
			return m, m.ignoreCmd(o.ID)
		}
	}
	return m, nil
}

func (m Model) currentOrder() (service.OrderView, bool) {
	if m.orderIdx < 0 || m.orderIdx >= len(m.orders) {
		return service.OrderView{}, false
	}
	return m.orders[m.orderIdx], true
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerBarStyle.Width(m.width).Render(titleStyle.Render("moneysync") + "  order review"))
	b.WriteString("\n")

	switch {
	case m.loading:
		b.WriteString(mutedStyle.Render("loading..."))
	case m.pane == paneCandidates:
		b.WriteString(m.renderCandidates())
	default:
		b.WriteString(m.renderOrders())
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	} else if m.status != "" {
		b.WriteString(statusStyle.Render(m.status))
		b.WriteString("\n")
	}
	b.WriteString(footerStyle.Width(m.width).Render(m.help()))
	return b.String()
}

func (m Model) renderOrders() string {
	if len(m.orders) == 0 {
		return listBoxStyle.Render(mutedStyle.Render("no open orders"))
	}
	lines := make([]string, 0, len(m.orders))
	for i, o := range m.orders {
		line := fmt.Sprintf("%-20s %-10s %-14s %10s", o.ID, o.OrderDate, truncate(o.Merchant, 14), o.Amount.StringFixed(2))
		lines = append(lines, m.row(line, i == m.orderIdx))
	}
	return listBoxStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) renderCandidates() string {
	o, _ := m.currentOrder()
	head := titleStyle.Render(fmt.Sprintf("%s  %s  %s", o.ID, o.Merchant, o.Amount.StringFixed(2)))
	if len(m.candidates) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, head, listBoxStyle.Render(mutedStyle.Render("no candidates in the date window")))
	}
	lines := make([]string, 0, len(m.candidates))
	for i, c := range m.candidates {
		score := scoreStyle(c.Score.Total).Render(fmt.Sprintf("%.2f", c.Score.Total))
		line := fmt.Sprintf("%s %-10s %-28s %10s  %+dd", score, c.Date.Format("2006-01-02"), truncate(c.Description, 28), c.Amount.StringFixed(2), c.DaysApart)
		lines = append(lines, m.row(line, i == m.candIdx))
	}
	return lipgloss.JoinVertical(lipgloss.Left, head, listBoxStyle.Render(strings.Join(lines, "\n")))
}

func (m Model) row(line string, selected bool) string {
	if selected {
		return cursorStyle.Render("> " + line)
	}
	return rowStyle.Render("  " + line)
}

func (m Model) help() string {
	keys := [][2]string{{"j/k", "move"}, {"enter", "candidates"}, {"i", "ignore"}, {"r", "reload"}, {"q", "quit"}}
	if m.pane == paneCandidates {
		keys = [][2]string{{"j/k", "move"}, {"enter", "link"}, {"i", "ignore order"}, {"esc", "back"}, {"q", "quit"}}
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, helpKeyStyle.Render(k[0])+" "+k[1])
	}
	return strings.Join(parts, "  ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
