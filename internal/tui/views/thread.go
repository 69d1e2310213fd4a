package views

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/tui/ui"
	"github.com/rivo/tview"
)

// Thread shows the messages of one conversation, oldest first, with a
// status icon next to each message we sent.
type Thread struct {
	*tview.Flex
	theme    *ui.Theme
	table    *tview.Table
	composer *Composer
	self     string
	peer     string
	msgs     []api.Message
}

func NewThread(theme *ui.Theme) *Thread {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetTitleColor(theme.TitleColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))

	composer := NewComposer(theme)
	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(table, 0, 1, true).
		AddItem(composer, 1, 0, false)

	return &Thread{
		Flex:     flex,
		theme:    theme,
		table:    table,
		composer: composer,
	}
}

func (t *Thread) Name() string { return "thread" }

func (t *Thread) Hints() []string {
	return []string{"enter:send", "esc:back"}
}

func (t *Thread) Table() *tview.Table { return t.table }

func (t *Thread) Composer() *Composer { return t.composer }

// Update redraws the thread. The cursor follows the newest message unless
// the user moved it up.
func (t *Thread) Update(self, peer string, msgs []api.Message) {
	row, _ := t.table.GetSelection()
	follow := row >= len(t.msgs)-1 || t.peer != peer
	t.self = self
	t.peer = peer
	t.msgs = msgs

	t.table.Clear()
	for i, m := range msgs {
		who := tview.Escape(m.SenderID)
		color := t.theme.FgColor
		icon := ""
		if m.SenderID == self {
			who = "you"
			color = t.theme.MutedColor
			icon = t.theme.StatusIcon(m.Status)
		}
		t.table.SetCell(i, 0, tview.NewTableCell(" "+formatTimestamp(m.CreatedAt)).SetTextColor(t.theme.MutedColor))
		t.table.SetCell(i, 1, tview.NewTableCell(who).SetTextColor(color).SetMaxWidth(16))
		t.table.SetCell(i, 2, tview.NewTableCell(tview.Escape(oneLine(m.Body))).SetExpansion(1).SetTextColor(t.theme.FgColor))
		t.table.SetCell(i, 3, tview.NewTableCell(icon+" ").SetAlign(tview.AlignRight))
	}
	if follow && len(msgs) > 0 {
		t.table.Select(len(msgs)-1, 0)
	}
	t.table.SetTitle(fmt.Sprintf(" %s (%d) ", tview.Escape(peer), len(msgs)))
}

// Selected returns the message under the cursor.
func (t *Thread) Selected() (api.Message, bool) {
	row, _ := t.table.GetSelection()
	if row < 0 || row >= len(t.msgs) {
		return api.Message{}, false
	}
	return t.msgs[row], true
}

// Detail describes the selected message for the status bar, including why it failed.
func (t *Thread) Detail() string {
	m, ok := t.Selected()
	if !ok || m.SenderID != t.self {
		return ""
	}
	if m.Status == model.StatusFailed {
		return fmt.Sprintf("failed after %d attempts: %s", m.RetryCount, m.LastError)
	}
	if m.RetryCount > 0 && !m.Status.Acknowledged() {
		return fmt.Sprintf("%s, attempt %d", m.Status, m.RetryCount+1)
	}
	return string(m.Status)
}
