package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/tracksync/internal/formatter"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/tasks"
)

// RunFunc starts one engine run reporting to progress. The engine is built by the caller so it can be wired
// with [tasks.WithProgress].
type RunFunc func(ctx context.Context, progress chan<- tasks.ProgressUpdate) (*tasks.Summary, error)

// RunInfo describes the run on the confirmation screen.
type RunInfo struct {
	Driver  string
	Filter  string
	Limit   int
	Workers int
	Holder  string
}

// ViewState represents the current view in the TUI.
type ViewState int

const (
	ConfirmView ViewState = iota
	RunView
	ResultView
)

const recentLines = 8

// Model represents the TUI application state.
type Model struct {
	ctx          context.Context
	cancel       context.CancelFunc
	view         ViewState
	run          RunFunc
	info         RunInfo
	width        int
	height       int
	progressChan chan tasks.ProgressUpdate
	done         chan runResult
	progress     tasks.ProgressUpdate
	recent       []string
	stopping     bool
	bar          progress.Model
	spinner      spinner.Model
	results      list.Model
	summary      *tasks.Summary
	err          error
	help         help.Model
	keys         keyMap
}

// NewModel creates a TUI model. With confirm set the run waits on the confirmation view.
func NewModel(ctx context.Context, run RunFunc, info RunInfo, confirm bool) *Model {
	ctx, cancel := context.WithCancel(ctx)
	view := RunView
	if confirm {
		view = ConfirmView
	}
	return &Model{
		ctx:     ctx,
		cancel:  cancel,
		view:    view,
		run:     run,
		info:    info,
		bar:     progress.New(progress.WithDefaultGradient()),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		help:    help.New(),
		keys:    newKeyMap(),
	}
}

// Summary returns the finished run's summary, or nil.
func (m *Model) Summary() *tasks.Summary { return m.summary }

// Err returns the run error.
func (m *Model) Err() error { return m.err }

// Init starts the run unless confirmation is pending.
func (m *Model) Init() tea.Cmd {
	if m.view == RunView {
		return tea.Batch(m.spinner.Tick, m.startRun())
	}
	return nil
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = max(msg.Width-8, 10)
		if m.view == ResultView {
			m.results.SetSize(msg.Width-4, msg.Height-12)
		}
		return m, nil

	case tea.KeyMsg:
		switch m.view {
		case ConfirmView:
			return m.handleConfirmKeys(msg)
		case RunView:
			return m.handleRunKeys(msg)
		case ResultView:
			return m.handleResultKeys(msg)
		}

	case spinner.TickMsg:
		if m.view != RunView {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		model, cmd := m.bar.Update(msg)
		if bar, ok := model.(progress.Model); ok {
			m.bar = bar
		}
		return m, cmd

	case Msg:
		switch msg.kind {
		case MsgProgressUpdate:
			return m, tea.Batch(m.applyProgress(msg.data.(tasks.ProgressUpdate)), m.waitForProgress())
		case MsgRunComplete:
			res := msg.data.(runResult)
			m.finish(res.summary, res.err)
			return m, nil
		}
	}

	if m.view == ResultView {
		var cmd tea.Cmd
		m.results, cmd = m.results.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) applyProgress(update tasks.ProgressUpdate) tea.Cmd {
	m.progress = update
	if update.Phase == tasks.PhaseProcess {
		line := update.Message
		if res, ok := update.Data.(*models.ProcessingResult); ok {
			line = styles.outcome(res.FinalState).Render(line)
		}
		m.recent = append(m.recent, line)
		if len(m.recent) > recentLines {
			m.recent = m.recent[len(m.recent)-recentLines:]
		}
	}
	if update.Total > 0 {
		return m.bar.SetPercent(float64(update.Step) / float64(update.Total))
	}
	return nil
}

func (m *Model) finish(summary *tasks.Summary, err error) {
	m.summary = summary
	m.err = err
	m.view = ResultView

	var items []list.Item
	if summary != nil {
		items = notable(summary.Results)
	}
	m.results = list.New(items, list.NewDefaultDelegate(), 0, 0)
	m.results.Title = "Failures and duplicates"
	m.results.SetSize(max(m.width-4, 20), max(m.height-12, 5))
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	switch m.view {
	case ConfirmView:
		return m.renderConfirm()
	case RunView:
		return m.renderRun()
	case ResultView:
		return m.renderResult()
	default:
		return ""
	}
}

func (m *Model) handleConfirmKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.yes):
		m.view = RunView
		return m, tea.Batch(m.spinner.Tick, m.startRun())
	case key.Matches(msg, m.keys.no), key.Matches(msg, m.keys.quit):
		m.cancel()
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) handleRunKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.stop) && !m.stopping {
		m.stopping = true
		m.cancel()
	}
	return m, nil
}

func (m *Model) handleResultKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.quit) {
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.results, cmd = m.results.Update(msg)
	return m, cmd
}

func (m *Model) startRun() tea.Cmd {
	m.progressChan = make(chan tasks.ProgressUpdate, 64)
	m.done = make(chan runResult, 1)
	updates, done := m.progressChan, m.done

	go func() {
		summary, err := m.run(m.ctx, updates)
		close(updates)
		done <- runResult{summary: summary, err: err}
	}()

	return m.waitForProgress()
}

func (m *Model) waitForProgress() tea.Cmd {
	updates, done := m.progressChan, m.done
	return func() tea.Msg {
		update, ok := <-updates
		if !ok {
			res := <-done
			return runCompleteMsg(res.summary, res.err)
		}
		return progressUpdateMsg(update)
	}
}

func (m *Model) renderConfirm() string {
	title := styles.title.Render("Start sync run?")
	limit := "none"
	if m.info.Limit > 0 {
		limit = fmt.Sprint(m.info.Limit)
	}
	info := fmt.Sprintf("\nCatalog: %s\nFilter: %s\nLimit: %s\nWorkers: %d\nHolder: %s\n",
		m.info.Driver, m.info.Filter, limit, m.info.Workers, m.info.Holder)

	helpKeys := []key.Binding{m.keys.yes, m.keys.no}
	return fmt.Sprintf("%s\n%s\n%s", title, info, m.help.ShortHelpView(helpKeys))
}

func (m *Model) renderRun() string {
	title := styles.title.Render("Syncing catalog")

	var phase string
	switch m.progress.Phase {
	case tasks.PhaseSweep:
		phase = "Clearing stale locks..."
	case tasks.PhaseIndex:
		phase = "Indexing library..."
	case tasks.PhaseSelect, tasks.PhaseProcess:
		phase = fmt.Sprintf("Processing (%d/%d)", m.progress.Step, m.progress.Total)
	default:
		phase = "Starting..."
	}
	if m.stopping {
		phase = styles.warn.Render("Stopping, releasing locks...")
	}

	helpView := m.help.ShortHelpView([]key.Binding{m.keys.stop})
	return fmt.Sprintf("%s\n\n%s %s\n%s\n\n%s\n\n%s",
		title, m.spinner.View(), phase, m.bar.View(), strings.Join(m.recent, "\n"), helpView)
}

func (m *Model) renderResult() string {
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.up, m.keys.down, m.keys.quit})

	var head string
	if m.err != nil {
		head = styles.err.Render(fmt.Sprintf("Run failed: %v", m.err))
	} else {
		head = styles.ok.Render("✓ Run complete")
	}
	if m.summary == nil {
		return fmt.Sprintf("%s\n\n%s", head, helpView)
	}

	body := formatter.SummaryTable(m.summary)
	if len(m.results.Items()) == 0 {
		return fmt.Sprintf("%s\n\n%s\n\n%s", head, body, helpView)
	}
	return fmt.Sprintf("%s\n\n%s\n\n%s\n\n%s", head, body, m.results.View(), helpView)
}
