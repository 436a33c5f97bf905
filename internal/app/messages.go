package app

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/orchestrator"
)

// File statuses shown in the item list.
const (
	StatusComplete = "Complete"
	StatusSkipped  = "Skipped"
	StatusError    = "Error"
)

// ProgressMsg updates the bar of one stage.
type ProgressMsg struct {
	Tag      string // stage name
	Current  int64
	Total    int64
	Activity string // last item handled
	Done     bool   // stage finished
	Err      error
}

// FileProgressMsg reports one handled document.
type FileProgressMsg struct {
	FileID   string
	FileName string
	Status   string
	Outcome  string
	ErrMsg   string
}

// TaskFinishedMsg signals the end of the background job.
type TaskFinishedMsg struct {
	Tag       string
	Err       error
	StartTime time.Time
	EndTime   time.Time
	Message   string
}

func NewTaskFinished(tag string, start time.Time, err error, msg string) TaskFinishedMsg {
	return TaskFinishedMsg{
		Tag:       tag,
		StartTime: start,
		EndTime:   time.Now(),
		Err:       err,
		Message:   msg,
	}
}

// FromEvent translates an orchestrator event into UI messages.
func FromEvent(ev orchestrator.Event) []tea.Msg {
	msgs := []tea.Msg{ProgressMsg{
		Tag:      ev.Stage,
		Current:  ev.Done,
		Total:    ev.Total,
		Activity: ev.Item,
		Done:     ev.Finished,
		Err:      ev.Err,
	}}
	if ev.Finished || ev.Item == "" {
		return msgs
	}
	fp := FileProgressMsg{
		FileID:   ev.Stage + "/" + ev.Item,
		FileName: ev.Item,
		Status:   StatusFor(ev.Outcome, ev.Err),
		Outcome:  ev.Outcome,
	}
	if ev.Err != nil {
		fp.ErrMsg = ev.Err.Error()
	}
	return append(msgs, fp)
}

// StatusFor groups an outcome into a display status.
func StatusFor(outcome string, err error) string {
	if err != nil {
		return StatusError
	}
	switch outcome {
	case db.CopyCopied, db.CopyDownloaded, db.TransferOK:
		return StatusComplete
	case db.CopyAlreadyPresent, db.TransferSameSize, "skipped":
		return StatusSkipped
	default:
		return StatusError
	}
}

func (p ProgressMsg) String() string {
	return fmt.Sprintf("Progress %s: %d/%d", p.Tag, p.Current, p.Total)
}
func (fp FileProgressMsg) String() string {
	return fmt.Sprintf("FileProgress %s: %s", fp.FileID, fp.Status)
}
func (tf TaskFinishedMsg) String() string { return fmt.Sprintf("TaskFinished %s", tf.Tag) }
