package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationList is the main page: one row per conversation, newest first.
type ConversationList struct {
	*tview.Table
	theme   *ui.Theme
	self    string
	convs   []api.Conversation
	visible []api.Conversation
	filter  string
}

func NewConversationList(theme *ui.Theme) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitleColor(theme.TitleColor)

	cl := &ConversationList{Table: table, theme: theme}
	cl.render()
	return cl
}

func (cl *ConversationList) Name() string { return "conversations" }

func (cl *ConversationList) Hints() []string {
	return []string{"enter:open"}
}

// Update replaces the rows, keeping the cursor on the same peer when it is still listed.
func (cl *ConversationList) Update(self string, convs []api.Conversation) {
	selected := cl.Selected()
	cl.self = self
	cl.convs = convs
	cl.render()
	for i, c := range cl.visible {
		if c.Peer == selected {
			cl.Select(i+1, 0)
			return
		}
	}
}

func (cl *ConversationList) SetFilter(filter string) {
	cl.filter = filter
	cl.render()
}

func (cl *ConversationList) render() {
	cl.Clear()
	headers := []struct {
		text string
		exp  int
	}{
		{" PEER", 1},
		{" LAST MESSAGE", 3},
		{" ", 0},
		{" TIME", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	cl.visible = cl.visible[:0]
	for _, c := range cl.convs {
		if !matches(c, cl.filter) {
			continue
		}
		cl.visible = append(cl.visible, c)
	}

	for i, c := range cl.visible {
		row := i + 1
		name := tview.Escape(sanitizeForTerminal(c.Peer))
		color := cl.theme.FgColor
		if c.Unread > 0 {
			name = fmt.Sprintf("(%d) %s", c.Unread, name)
			color = cl.theme.UnreadColor
		}
		last := c.LastMessage
		preview := tview.Escape(oneLine(last.Body))
		icon := ""
		if last.SenderID == cl.self && last.SenderID != "" {
			preview = "you: " + preview
			icon = cl.theme.StatusIcon(last.Status)
		}
		cl.SetCell(row, 0, tview.NewTableCell(" "+name).SetExpansion(1).SetTextColor(color))
		cl.SetCell(row, 1, tview.NewTableCell(" "+preview).SetExpansion(3).SetMaxWidth(60).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 2, tview.NewTableCell(icon).SetAlign(tview.AlignCenter))
		cl.SetCell(row, 3, tview.NewTableCell(formatTimestamp(last.CreatedAt)+" ").
			SetAlign(tview.AlignRight).
			SetTextColor(cl.theme.MutedColor))
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d/%d) filter: %s ", len(cl.visible), len(cl.convs), tview.Escape(cl.filter)))
	} else {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.convs)))
	}
}

// Selected returns the peer under the cursor, or "".
func (cl *ConversationList) Selected() string {
	row, _ := cl.GetSelection()
	if row < 1 || row > len(cl.visible) {
		return ""
	}
	return cl.visible[row-1].Peer
}

func matches(c api.Conversation, filter string) bool {
	if filter == "" {
		return true
	}
	f := strings.ToLower(filter)
	return strings.Contains(strings.ToLower(c.Peer), f) ||
		strings.Contains(strings.ToLower(c.LastMessage.Body), f)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
