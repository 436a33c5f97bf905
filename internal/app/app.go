// Package app renders a live terminal view of a batch run.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/codexdist/rcpsync/internal/orchestrator"
)

var (
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	progressBarStyle = lipgloss.NewStyle().Padding(0, 1)
	fileHeaderStyle  = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	fileStatusStyle  = map[string]lipgloss.Style{
		StatusComplete: lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		StatusSkipped:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		StatusError:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// maxFiles bounds the item list kept in memory.
const maxFiles = 200

// StageProgress is the state of one stage bar.
type StageProgress struct {
	Current  int64
	Total    int64
	Activity string
	Done     bool
	Err      error
}

// FileProgress is one line of the item list.
type FileProgress struct {
	FileName string
	Status   string
	Outcome  string
	ErrMsg   string
	At       time.Time
}

// AppModel is the bubbletea model of a run.
type AppModel struct {
	Title string
	State AppState

	spinner spinner.Model
	bar     progress.Model

	stages     map[string]*StageProgress
	stageOrder []string
	files      map[string]*FileProgress
	fileOrder  []string

	startTime time.Time
	result    string
	lastError error
	cancel    context.CancelFunc

	termWidth  int
	termHeight int
}

// NewAppModel builds a model. cancel is called when the user quits.
func NewAppModel(title string, cancel context.CancelFunc) *AppModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return &AppModel{
		Title:      title,
		State:      Running,
		spinner:    s,
		bar:        progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		stages:     make(map[string]*StageProgress),
		files:      make(map[string]*FileProgress),
		startTime:  time.Now(),
		cancel:     cancel,
		termWidth:  100,
		termHeight: 30,
	}
}

func (m *AppModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.cancel != nil {
				m.cancel()
			}
			m.State = Exiting
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.termHeight = msg.Height
		m.bar.Width = max(10, min(60, m.termWidth-40))
	case ProgressMsg:
		sp, ok := m.stages[msg.Tag]
		if !ok {
			sp = &StageProgress{}
			m.stages[msg.Tag] = sp
			m.stageOrder = append(m.stageOrder, msg.Tag)
		}
		sp.Current = msg.Current
		if msg.Total > 0 {
			sp.Total = msg.Total
		}
		if msg.Activity != "" {
			sp.Activity = msg.Activity
		}
		if msg.Done {
			sp.Done = true
			sp.Err = msg.Err
		}
	case FileProgressMsg:
		fp, ok := m.files[msg.FileID]
		if !ok {
			fp = &FileProgress{FileName: msg.FileName}
			m.files[msg.FileID] = fp
			m.fileOrder = append(m.fileOrder, msg.FileID)
			if len(m.fileOrder) > maxFiles {
				delete(m.files, m.fileOrder[0])
				m.fileOrder = m.fileOrder[1:]
			}
		}
		fp.Status = msg.Status
		fp.Outcome = msg.Outcome
		fp.ErrMsg = msg.ErrMsg
		fp.At = time.Now()
	case TaskFinishedMsg:
		m.result = msg.Message
		if msg.Err != nil {
			m.lastError = fmt.Errorf("%s failed: %w", msg.Tag, msg.Err)
			m.State = ShowError
		} else {
			m.State = Finished
		}
		return m, tea.Quit
	case spinner.TickMsg:
		if m.State == Running {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
	}
	return m, nil
}

func (m *AppModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("--- " + m.Title + " ---"))
	b.WriteString("\n\n")

	switch m.State {
	case Running:
		fmt.Fprintf(&b, "%s Running for %s\n\n", m.spinner.View(), time.Since(m.startTime).Round(time.Second))
	case Finished:
		b.WriteString("Run complete.\n\n")
	case ShowError:
		b.WriteString(errorStyle.Render("Run failed."))
		b.WriteString("\n\n")
	case Exiting:
		b.WriteString(infoStyle.Render("Cancelling..."))
		b.WriteString("\n\n")
	}

	b.WriteString(m.viewStages())
	b.WriteString(m.viewFiles())

	if m.result != "" {
		b.WriteString("\n")
		b.WriteString(m.result)
		b.WriteString("\n")
	}
	if m.lastError != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(wrapText(m.lastError.Error(), m.termWidth-4)))
		b.WriteString("\n")
	}
	if m.State == Running {
		b.WriteString("\n")
		b.WriteString(infoStyle.Render("'q' or Ctrl+C to cancel the run."))
	}
	return b.String()
}

func (m *AppModel) viewStages() string {
	var b strings.Builder
	for _, tag := range m.stageOrder {
		sp := m.stages[tag]
		var percent float64
		switch {
		case sp.Total > 0:
			percent = float64(sp.Current) / float64(sp.Total)
		case sp.Done:
			percent = 1
		}
		state := ""
		if sp.Done {
			state = "done"
			if sp.Err != nil {
				state = errorStyle.Render("errors")
			}
		}
		fmt.Fprintf(&b, "%-14s%s %d/%d %s\n", tag, progressBarStyle.Render(m.bar.ViewAs(percent)), sp.Current, sp.Total, state)
	}
	b.WriteString("\n")
	return b.String()
}

func (m *AppModel) viewFiles() string {
	if len(m.fileOrder) == 0 {
		return ""
	}
	maxLines := max(1, m.termHeight-len(m.stageOrder)-12)
	startIdx := 0
	if len(m.fileOrder) > maxLines {
		startIdx = len(m.fileOrder) - maxLines
	}

	var b strings.Builder
	b.WriteString(fileHeaderStyle.Render(fmt.Sprintf("%-40s | %-10s | %s", "File", "Status", "Outcome")))
	b.WriteString("\n")
	for _, id := range m.fileOrder[startIdx:] {
		fp := m.files[id]
		style, ok := fileStatusStyle[fp.Status]
		if !ok {
			style = infoStyle
		}
		name := fp.FileName
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		fmt.Fprintf(&b, "%-40s | %-10s | %s\n", name, style.Render(fp.Status), fp.Outcome)
		if fp.Status == StatusError && fp.ErrMsg != "" {
			b.WriteString(errorStyle.Render("  -> " + truncate(fp.ErrMsg, m.termWidth-6)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Stages returns a copy of the stage states, for callers printing a
// final summary.
func (m *AppModel) Stages() map[string]StageProgress {
	out := make(map[string]StageProgress, len(m.stages))
	for k, v := range m.stages {
		out[k] = *v
	}
	return out
}

// Job is the background work driven by Run. It returns a summary line.
type Job func(ctx context.Context, progress orchestrator.ProgressFunc) (string, error)

// Run shows the view while job executes and returns the job error. Quitting
// the view cancels the job context.
func Run(ctx context.Context, title string, job Job, opts ...tea.ProgramOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := NewAppModel(title, cancel)
	p := tea.NewProgram(model, opts...)

	done := make(chan error, 1)
	go func() {
		start := time.Now()
		msg, err := job(ctx, func(ev orchestrator.Event) {
			for _, m := range FromEvent(ev) {
				p.Send(m)
			}
		})
		p.Send(NewTaskFinished(title, start, err, msg))
		done <- err
	}()

	_, uiErr := p.Run()
	cancel()
	return errors.Join(<-done, uiErr)
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func wrapText(text string, width int) string {
	if width <= 0 {
		return text
	}
	var b strings.Builder
	line := 0
	for i, word := range strings.Fields(text) {
		if i > 0 {
			if line+1+len(word) > width {
				b.WriteString("\n")
				line = 0
			} else {
				b.WriteString(" ")
				line++
			}
		}
		b.WriteString(word)
		line += len(word)
	}
	return b.String()
}
