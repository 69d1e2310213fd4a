package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar shows the profile, the relay connection and the send queue.
type StatusBar struct {
	*tview.TextView
	theme *ui.Theme
}

func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	return &StatusBar{TextView: tv, theme: theme}
}

// Render redraws the bar. st and q may be nil before the first load.
func (sb *StatusBar) Render(st *api.SessionStatusResponse, q *api.QueueStatsResponse, hints []string, flash string, flashColor string) {
	sb.Clear()
	var b strings.Builder
	if st != nil {
		color := sb.theme.OfflineColor
		if st.State == status.Connected {
			color = sb.theme.OnlineColor
		}
		fmt.Fprintf(&b, " [::b]%s[::-] %s | %s%s[-]", tview.Escape(st.Profile), tview.Escape(st.Self), ui.Tag(color), st.State)
	} else {
		b.WriteString(" [::b]courier[::-] | connecting to daemon")
	}
	if q != nil {
		fmt.Fprintf(&b, " | queue %d", q.Size)
		if q.Active > 0 {
			fmt.Fprintf(&b, " (%d sending)", q.Active)
		}
		if n := q.Counts[model.StatusFailed]; n > 0 {
			fmt.Fprintf(&b, " | %s%d failed[-]", ui.Tag(sb.theme.FailedColor), n)
		}
		if q.Paused {
			b.WriteString(" | paused")
		}
	}
	fmt.Fprintf(&b, " | %s", time.Now().Format("15:04"))
	if flash != "" {
		fmt.Fprintf(&b, " | %s%s[-]", flashColor, tview.Escape(flash))
	} else if len(hints) > 0 {
		fmt.Fprintf(&b, " | %s%s[-]", ui.Tag(sb.theme.MutedColor), tview.Escape(strings.Join(hints, " ")))
	}
	_, _ = fmt.Fprint(sb, b.String())
}
