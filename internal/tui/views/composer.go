package views

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/courier/internal/tui/ui"
	"github.com/rivo/tview"
)

// Composer is the text input under a thread.
type Composer struct {
	*tview.InputField
	onSend func(text string)
}

func NewComposer(theme *ui.Theme) *Composer {
	input := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	input.SetBackgroundColor(theme.BgColor)
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetFieldTextColor(theme.FgColor)
	input.SetLabelColor(theme.KeyColor)

	c := &Composer{InputField: input}
	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter || c.onSend == nil {
			return
		}
		if text := strings.TrimSpace(c.GetText()); text != "" {
			c.onSend(text)
			c.SetText("")
		}
	})
	return c
}

// SetOnSend sets the callback for Enter on a non-empty line.
func (c *Composer) SetOnSend(fn func(text string)) {
	c.onSend = fn
}
