package tui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/tui/keys"
	"github.com/matheus3301/courier/internal/tui/model"
	"github.com/matheus3301/courier/internal/tui/ui"
	"github.com/matheus3301/courier/internal/tui/views"
	"github.com/rivo/tview"
)

const (
	pageConversations = "conversations"
	pageThread        = "thread"
	pageSearch        = "search"
	pagePrompt        = "prompt"

	pollInterval  = 5 * time.Second
	rewatchDelay  = 2 * time.Second
	flashDuration = 4 * time.Second
)

// App is the main TUI application shell.
type App struct {
	app        *tview.Application
	pages      *tview.Pages
	theme      *ui.Theme
	vm         *model.ViewModel
	client     *api.Client
	registry   *keys.Registry
	statusBar  *views.StatusBar
	list       *views.ConversationList
	thread     *views.Thread
	search     *views.SearchView
	prompt     *tview.InputField
	components map[string]ui.Component
	dirty      chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewApp creates the TUI application on top of a daemon connection.
func NewApp(c *api.Client) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		theme:     theme,
		vm:        model.NewViewModel(c),
		client:    c,
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(theme),
		list:      views.NewConversationList(theme),
		thread:    views.NewThread(theme),
		search:    views.NewSearchView(theme),
		prompt:    tview.NewInputField().SetFieldWidth(0),
		dirty:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	a.components = map[string]ui.Component{
		a.list.Name():   a.list,
		a.thread.Name(): a.thread,
		a.search.Name(): a.search,
	}

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 'q',
		Description: "q:quit", Visible: true,
		Handler: a.Stop,
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 's',
		Description: "s:search", Visible: true,
		Handler: a.showSearch,
	})
	a.registry.AddPage(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: 'n',
		Description: "n:new", Visible: true,
		Handler: func() { a.ask(" To: ", a.open) },
	})
	a.registry.AddPage(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: '/',
		Description: "/:filter", Visible: true,
		Handler: func() { a.ask(" Filter: ", a.list.SetFilter) },
	})
	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'i',
		Description: "i:compose", Visible: true,
		Handler: func() { a.app.SetFocus(a.thread.Composer().InputField) },
	})
	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'r',
		Description: "r:retry", Visible: true,
		Handler: a.retrySelected,
	})
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(int, int) {
		if peer := a.list.Selected(); peer != "" {
			a.open(peer)
		}
	})
	a.thread.Table().SetSelectionChangedFunc(func(int, int) {
		a.renderStatus()
	})
	a.thread.Composer().SetOnSend(func(text string) {
		a.background(func() error { return a.vm.Send(a.ctx, text) })
	})
	a.search.SetHandlers(func(query string) {
		go func() {
			results, err := a.vm.Search(a.ctx, query)
			if err != nil {
				a.flash(model.Error, "search failed: "+err.Error())
				return
			}
			a.app.QueueUpdateDraw(func() {
				a.search.Update(a.vm.Self(), results)
			})
		}()
	}, func() {
		a.app.SetFocus(a.search.Results())
	})
	a.search.Results().SetSelectedFunc(func(int, int) {
		if peer := a.search.SelectedPeer(); peer != "" {
			a.open(peer)
		}
	})
}

func (a *App) setupLayout() {
	a.prompt.SetBorder(true)
	a.prompt.SetBorderColor(a.theme.BorderColor)
	a.prompt.SetBackgroundColor(a.theme.BgColor)
	a.prompt.SetFieldBackgroundColor(a.theme.BgColor)
	a.prompt.SetLabelColor(a.theme.KeyColor)

	a.pages.AddPage(pageConversations, a.list, true, true)
	a.pages.AddPage(pageThread, a.thread, true, false)
	a.pages.AddPage(pageSearch, a.search, true, false)
	a.pages.AddPage(pagePrompt, center(a.prompt, 50, 3), true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)
	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		page, _ := a.pages.GetFrontPage()
		focused := a.app.GetFocus()

		if event.Key() == tcell.KeyEscape {
			switch {
			case page == pageThread && focused == a.thread.Composer().InputField:
				a.app.SetFocus(a.thread.Table())
				return nil
			case page != pageConversations:
				a.back()
				return nil
			}
		}

		// Text inputs get every other key.
		if _, ok := focused.(*tview.InputField); ok {
			return event
		}
		if a.registry.HandleEvent(page, event) {
			return nil
		}
		return event
	})
}

func center(p tview.Primitive, width, height int) tview.Primitive {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)
}

// ask shows a one-line prompt over the current page and passes the answer to fn.
func (a *App) ask(label string, fn func(string)) {
	a.prompt.SetLabel(label)
	a.prompt.SetText("")
	a.prompt.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := a.prompt.GetText()
		a.pages.HidePage(pagePrompt)
		a.focusFront()
		fn(text)
	})
	a.pages.ShowPage(pagePrompt)
	a.app.SetFocus(a.prompt)
	a.renderStatus()
}

func (a *App) open(peer string) {
	if peer == "" {
		return
	}
	go func() {
		if err := a.vm.Open(a.ctx, peer); err != nil {
			a.flash(model.Error, "open failed: "+err.Error())
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.pages.SwitchToPage(pageThread)
			a.render()
			a.app.SetFocus(a.thread.Table())
		})
	}()
}

func (a *App) back() {
	page, _ := a.pages.GetFrontPage()
	if page == pagePrompt {
		a.pages.HidePage(pagePrompt)
		a.focusFront()
		a.renderStatus()
		return
	}
	a.vm.Close()
	a.pages.SwitchToPage(pageConversations)
	a.app.SetFocus(a.list)
	a.render()
}

func (a *App) focusFront() {
	switch page, _ := a.pages.GetFrontPage(); page {
	case pageThread:
		a.app.SetFocus(a.thread.Table())
	case pageSearch:
		a.app.SetFocus(a.search.Input())
	default:
		a.app.SetFocus(a.list)
	}
}

func (a *App) showSearch() {
	a.pages.SwitchToPage(pageSearch)
	a.app.SetFocus(a.search.Input())
	a.renderStatus()
}

func (a *App) retrySelected() {
	m, ok := a.thread.Selected()
	if !ok {
		return
	}
	a.background(func() error { return a.vm.Retry(a.ctx, m) })
}

// background runs fn off the UI goroutine and reports its error as a flash.
func (a *App) background(fn func() error) {
	go func() {
		if err := fn(); err != nil {
			a.flash(model.Error, err.Error())
		}
	}()
}

func (a *App) flash(level model.Level, msg string) {
	a.vm.Flash.Set(level, msg, flashDuration)
	a.app.QueueUpdateDraw(a.renderStatus)
}

// render redraws everything from the view model. Must run on the UI goroutine.
func (a *App) render() {
	self := a.vm.Self()
	a.list.Update(self, a.vm.Conversations())
	if peer := a.vm.ActivePeer(); peer != "" {
		a.thread.Update(self, peer, a.vm.Messages())
	}
	a.renderStatus()
}

func (a *App) renderStatus() {
	page, _ := a.pages.GetFrontPage()
	var hints []string
	if c, ok := a.components[page]; ok {
		hints = append(hints, c.Hints()...)
	}
	hints = append(hints, a.registry.Hints(page)...)

	msg, level := a.vm.Flash.Get()
	color := ui.Tag(a.theme.FlashInfo)
	switch level {
	case model.Warn:
		color = ui.Tag(a.theme.FlashWarn)
	case model.Error:
		color = ui.Tag(a.theme.FlashErr)
	}
	if msg == "" && page == pageThread {
		msg, color = a.thread.Detail(), ui.Tag(a.theme.MutedColor)
	}
	st, q := a.vm.Status()
	a.statusBar.Render(st, q, hints, msg, color)
}

// markDirty schedules a reload; bursts of daemon events collapse into one.
func (a *App) markDirty() {
	select {
	case a.dirty <- struct{}{}:
	default:
	}
}

func (a *App) reload() {
	if err := a.vm.LoadStatus(a.ctx); err != nil {
		a.vm.Flash.Set(model.Error, "daemon: "+err.Error(), flashDuration)
	}
	if err := a.vm.LoadConversations(a.ctx); err != nil {
		a.vm.Flash.Set(model.Error, "conversations: "+err.Error(), flashDuration)
	}
	if err := a.vm.LoadMessages(a.ctx); err != nil {
		a.vm.Flash.Set(model.Error, "messages: "+err.Error(), flashDuration)
	}
}

// watch follows the daemon event stream and marks the view dirty on every
// event that changes what is on screen. A broken stream is reopened.
func (a *App) watch() {
	for a.ctx.Err() == nil {
		stream, err := a.client.Watch(a.ctx, "")
		if err == nil {
			for {
				evt, err := stream.Recv()
				if err != nil {
					break
				}
				if model.Affects(evt.Kind) {
					a.markDirty()
				}
			}
		}
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(rewatchDelay):
			a.markDirty()
		}
	}
}

func (a *App) loop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.dirty:
			a.reload()
		case <-ticker.C:
			a.reload()
		case <-a.vm.RefreshCh():
			a.app.QueueUpdateDraw(a.render)
		case <-a.ctx.Done():
			return
		}
	}
}

// Run starts the TUI and blocks until it exits.
func (a *App) Run() error {
	a.render()
	go a.loop()
	go a.watch()
	a.markDirty()
	defer a.cancel()
	return a.app.Run()
}

// Stop shuts the TUI down.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
