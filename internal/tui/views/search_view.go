package views

import (
	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/tui/ui"
	"github.com/rivo/tview"
)

// SearchView runs a local message search and lists the hits.
type SearchView struct {
	*tview.Flex
	theme   *ui.Theme
	self    string
	input   *tview.InputField
	results *tview.Table
	data    []api.SearchResult
}

func NewSearchView(theme *ui.Theme) *SearchView {
	input := tview.NewInputField().
		SetLabel(" Search: ").
		SetFieldWidth(0)
	input.SetBackgroundColor(theme.BgColor)
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetFieldTextColor(theme.FgColor)
	input.SetLabelColor(theme.KeyColor)

	results := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	results.SetBorder(true)
	results.SetBorderColor(theme.BorderColor)
	results.SetBackgroundColor(theme.BgColor)
	results.SetTitle(" Results ")
	results.SetTitleColor(theme.TitleColor)
	results.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(input, 1, 0, true).
		AddItem(results, 0, 1, false)

	return &SearchView{
		Flex:    flex,
		theme:   theme,
		input:   input,
		results: results,
	}
}

func (sv *SearchView) Name() string { return "search" }

func (sv *SearchView) Hints() []string {
	return []string{"enter:search/open", "tab:results", "esc:back"}
}

// SetHandlers wires Enter in the input to onQuery and Tab to onResults.
func (sv *SearchView) SetHandlers(onQuery func(query string), onResults func()) {
	sv.input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			if q := sv.input.GetText(); q != "" {
				onQuery(q)
			}
		case tcell.KeyTab:
			if len(sv.data) > 0 {
				sv.results.Select(1, 0)
				onResults()
			}
		}
	})
}

func (sv *SearchView) Update(self string, results []api.SearchResult) {
	sv.self = self
	sv.data = results
	sv.results.Clear()
	for col, h := range []string{" PEER", " SNIPPET", " TIME"} {
		sv.results.SetCell(0, col, tview.NewTableCell(h).
			SetSelectable(false).
			SetTextColor(sv.theme.TableHeaderFg).
			SetAttributes(tcell.AttrBold))
	}
	for i, r := range results {
		row := i + 1
		sv.results.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(sv.peerOf(r.Message))).SetMaxWidth(25).SetTextColor(sv.theme.FgColor))
		sv.results.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(oneLine(r.Snippet))).SetExpansion(1).SetTextColor(sv.theme.FgColor))
		sv.results.SetCell(row, 2, tview.NewTableCell(" "+formatTimestamp(r.Message.CreatedAt)).SetTextColor(sv.theme.MutedColor))
	}
}

// SelectedPeer returns the other participant of the selected hit.
func (sv *SearchView) SelectedPeer() string {
	row, _ := sv.results.GetSelection()
	if row < 1 || row > len(sv.data) {
		return ""
	}
	return sv.peerOf(sv.data[row-1].Message)
}

func (sv *SearchView) peerOf(m api.Message) string {
	if m.SenderID == sv.self {
		return m.RecipientID
	}
	return m.SenderID
}

func (sv *SearchView) Input() *tview.InputField { return sv.input }

func (sv *SearchView) Results() *tview.Table { return sv.results }
