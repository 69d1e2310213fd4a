package ui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/courier/internal/model"
)

// Theme holds the TUI colors.
type Theme struct {
	BgColor       tcell.Color
	FgColor       tcell.Color
	MutedColor    tcell.Color
	BorderColor   tcell.Color
	TitleColor    tcell.Color
	TableHeaderFg tcell.Color
	TableCursorFg tcell.Color
	TableCursorBg tcell.Color
	KeyColor      tcell.Color
	UnreadColor   tcell.Color
	OnlineColor   tcell.Color
	OfflineColor  tcell.Color
	FlashInfo     tcell.Color
	FlashWarn     tcell.Color
	FlashErr      tcell.Color
	ReadColor     tcell.Color
	FailedColor   tcell.Color
}

// DefaultTheme returns the dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:       tcell.ColorBlack,
		FgColor:       tcell.ColorCadetBlue,
		MutedColor:    tcell.ColorGray,
		BorderColor:   tcell.ColorDodgerBlue,
		TitleColor:    tcell.ColorFuchsia,
		TableHeaderFg: tcell.ColorWhite,
		TableCursorFg: tcell.ColorBlack,
		TableCursorBg: tcell.ColorAqua,
		KeyColor:      tcell.ColorDodgerBlue,
		UnreadColor:   tcell.ColorPapayaWhip,
		OnlineColor:   tcell.ColorGreen,
		OfflineColor:  tcell.ColorOrangeRed,
		FlashInfo:     tcell.ColorNavajoWhite,
		FlashWarn:     tcell.ColorOrange,
		FlashErr:      tcell.ColorOrangeRed,
		ReadColor:     tcell.ColorDeepSkyBlue,
		FailedColor:   tcell.ColorRed,
	}
}

// Tag returns the tview color tag for c, e.g. "[#ff0000]".
func Tag(c tcell.Color) string {
	return "[" + c.CSS() + "]"
}

// StatusIcon renders a delivery status the way chat apps do: a clock while
// queued, one tick once the relay has it, two when delivered, two blue ones
// when read.
func (t *Theme) StatusIcon(s model.Status) string {
	switch s {
	case model.StatusPending:
		return Tag(t.MutedColor) + "◷[-]"
	case model.StatusSending:
		return Tag(t.MutedColor) + "↑[-]"
	case model.StatusSent:
		return Tag(t.FgColor) + "✓[-]"
	case model.StatusDelivered:
		return Tag(t.FgColor) + "✓✓[-]"
	case model.StatusRead:
		return Tag(t.ReadColor) + "✓✓[-]"
	case model.StatusFailed:
		return Tag(t.FailedColor) + "![-]"
	}
	return " "
}
