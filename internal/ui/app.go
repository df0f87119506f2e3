package ui

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/feedline/internal/otel"
	"github.com/abelbrown/feedline/internal/position"
	"github.com/abelbrown/feedline/internal/timeline"
)

const (
	// NearTopRows is how close to index 0 the cursor must be to count as
	// near the top for auto-merge.
	NearTopRows = 3
	// DeepHistoryRows is the index past which idle polling stops.
	DeepHistoryRows = 100
)

// ScrollState reports the coordinator flags for a cursor at index.
func ScrollState(index int) (nearTop, deepHistory bool) {
	return index < NearTopRows, index >= DeepHistoryRows
}

// Actions are the effects the shell can request. Each returns the command
// that performs it; nil funcs are skipped.
type Actions struct {
	Load        func() tea.Cmd             // first load, replies LoadDone
	Refresh     func() tea.Cmd             // manual refresh, replies RefreshDone
	Merge       func() tea.Cmd             // tap on the new-posts pill, replies Merged
	MarkRead    func(id string) tea.Cmd
	ClearUnread func() tea.Cmd
	Scrolled    func(index int) tea.Cmd    // cursor moved to index
	Focus       func(focused bool) tea.Cmd // terminal gained or lost focus
}

// App is the root Bubble Tea model.
// App does not hold the controller or coordinator; it renders the values
// they publish.
type App struct {
	actions   Actions
	events    *otel.Logger
	rules     RuleStats
	showBands bool
	now       func() time.Time

	state      position.State
	buffer     timeline.BufferSnapshot
	cursor     int
	err        error
	width      int
	height     int
	ready      bool
	loading    bool
	refreshing bool
	debug      bool
}

// Option configures an App.
type Option func(*App)

// WithEvents enables the debug overlay over l's recent events.
func WithEvents(l *otel.Logger) Option {
	return func(a *App) { a.events = l }
}

// RuleStats reports the filter's compiled rule count and its failed
// evaluations.
type RuleStats func() (rules int, evalErrors int64)

// WithRuleStats adds filter counters to the debug overlay.
func WithRuleStats(fn RuleStats) Option {
	return func(a *App) { a.rules = fn }
}

// WithBands toggles time-band headers.
func WithBands(show bool) Option {
	return func(a *App) { a.showBands = show }
}

// WithClock overrides time.Now for age labels.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// NewApp creates an App that requests effects through actions.
func NewApp(actions Actions, opts ...Option) App {
	a := App{actions: actions, showBands: true, now: time.Now, loading: actions.Load != nil}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// Init starts the first load.
func (a App) Init() tea.Cmd {
	if a.actions.Load != nil {
		return a.actions.Load()
	}
	return nil
}

// Update handles messages and returns the updated model and any commands.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.ready = true
		return a, nil

	case tea.FocusMsg:
		return a, a.focus(true)

	case tea.BlurMsg:
		return a, a.focus(false)

	case StateChanged:
		a.applyState(msg.State)
		return a, nil

	case BufferChanged:
		a.buffer = msg.Snapshot
		return a, nil

	case LoadDone:
		a.loading = false
		a.err = msg.Err
		return a, nil

	case RefreshDone:
		a.refreshing = false
		a.err = msg.Err
		return a, nil

	case Merged:
		return a, nil
	}

	return a, nil
}

// applyState adopts s. The published position replaces the cursor only
// when the post list itself changed; otherwise a stale echo of an earlier
// scroll would pull the cursor back.
func (a *App) applyState(s position.State) {
	prev := a.state
	a.state = s
	if s.Initialized {
		a.loading = false
	}
	if !prev.Loaded || listChanged(prev.Posts, s.Posts) {
		a.cursor = cursorFor(s.Position)
	}
	a.cursor = clampCursor(a.cursor, len(s.Entries))
}

func (a App) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.err != nil {
		a.err = nil
	}

	switch {
	case key.Matches(msg, keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, keys.Down):
		return a.moveTo(a.cursor + 1)

	case key.Matches(msg, keys.Up):
		return a.moveTo(a.cursor - 1)

	case key.Matches(msg, keys.PageDown):
		return a.moveTo(a.cursor + a.pageSize())

	case key.Matches(msg, keys.PageUp):
		return a.moveTo(a.cursor - a.pageSize())

	case key.Matches(msg, keys.Top):
		return a.moveTo(0)

	case key.Matches(msg, keys.Bottom):
		return a.moveTo(len(a.state.Entries) - 1)

	case key.Matches(msg, keys.Read):
		if a.cursor < len(a.state.Entries) && a.actions.MarkRead != nil {
			return a, a.actions.MarkRead(a.state.Entries[a.cursor].Post.ID)
		}
		return a, nil

	case key.Matches(msg, keys.Refresh):
		if a.refreshing || a.actions.Refresh == nil {
			return a, nil
		}
		a.refreshing = true
		return a, a.actions.Refresh()

	case key.Matches(msg, keys.Merge):
		if a.buffer.Empty() || a.actions.Merge == nil {
			return a, nil
		}
		return a, a.actions.Merge()

	case key.Matches(msg, keys.ClearUnread):
		if a.actions.ClearUnread != nil {
			return a, a.actions.ClearUnread()
		}
		return a, nil

	case key.Matches(msg, keys.Debug):
		a.debug = !a.debug
		return a, nil
	}

	return a, nil
}

func (a App) moveTo(i int) (tea.Model, tea.Cmd) {
	i = clampCursor(i, len(a.state.Entries))
	if i == a.cursor {
		return a, nil
	}
	a.cursor = i
	if a.actions.Scrolled != nil {
		return a, a.actions.Scrolled(i)
	}
	return a, nil
}

func (a App) focus(focused bool) tea.Cmd {
	if a.actions.Focus != nil {
		return a.actions.Focus(focused)
	}
	return nil
}

func (a App) pageSize() int {
	if n := a.height - 3; n > 1 {
		return n
	}
	return 1
}

// View renders the UI.
func (a App) View() string {
	if !a.ready {
		return "Loading..."
	}
	if a.debug && a.events != nil {
		return debugOverlay(a.events, a.rules, a.width, a.height)
	}

	contentHeight := a.height - 1
	pill := ""
	if !a.buffer.Empty() {
		pill = RenderPill(a.buffer, a.width) + "\n"
		contentHeight--
	}
	errorBar := ""
	if a.err != nil {
		errorBar = ErrorStyle.Width(a.width).Render("Error: "+a.err.Error()+" (press any key to dismiss)") + "\n"
		contentHeight--
	}

	var stream string
	if len(a.state.Entries) == 0 {
		stream = a.emptyView(contentHeight)
	} else {
		stream = RenderStream(a.state.Entries, a.cursor, a.width, contentHeight, a.showBands, a.now())
	}

	status := RenderStatusBar(a.cursor, len(a.state.Entries), a.state.UnreadCount, a.width, a.loading || a.refreshing)
	return pill + stream + errorBar + status
}

func (a App) emptyView(height int) string {
	msg := "No posts yet. Press r to refresh."
	if !a.state.Initialized {
		msg = "Loading..."
	}
	return padLines(EmptyStyle.Render(msg), height)
}

// Cursor returns the cursor index (for testing).
func (a App) Cursor() int {
	return a.cursor
}

// State returns the last published state (for testing).
func (a App) State() position.State {
	return a.state
}

// Buffer returns the last buffer snapshot (for testing).
func (a App) Buffer() timeline.BufferSnapshot {
	return a.buffer
}

// Debugging reports whether the overlay is shown.
func (a App) Debugging() bool {
	return a.debug
}

func cursorFor(p timeline.ScrollPosition) int {
	if p.Top {
		return 0
	}
	return p.Index
}

func clampCursor(i, n int) int {
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

func listChanged(prev, next []timeline.Post) bool {
	if len(prev) != len(next) {
		return true
	}
	if len(next) == 0 {
		return false
	}
	return prev[0].ID != next[0].ID || prev[len(prev)-1].ID != next[len(next)-1].ID
}
