package app

import (
	"errors"
	"fmt"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexdist/rcpsync/internal/db"
	"github.com/codexdist/rcpsync/internal/orchestrator"
)

func TestFromEventItem(t *testing.T) {
	msgs := FromEvent(orchestrator.Event{
		Stage:   orchestrator.StageDecentralized,
		Item:    "R_1_A_G.htm",
		Outcome: db.CopyCopied,
		Done:    2,
		Total:   5,
	})
	require.Len(t, msgs, 2)

	p, ok := msgs[0].(ProgressMsg)
	require.True(t, ok)
	assert.Equal(t, orchestrator.StageDecentralized, p.Tag)
	assert.Equal(t, int64(2), p.Current)
	assert.False(t, p.Done)

	fp, ok := msgs[1].(FileProgressMsg)
	require.True(t, ok)
	assert.Equal(t, "decentralized/R_1_A_G.htm", fp.FileID)
	assert.Equal(t, StatusComplete, fp.Status)
}

func TestFromEventStageFinished(t *testing.T) {
	msgs := FromEvent(orchestrator.Event{Stage: orchestrator.StageTransferFR, Finished: true, Err: errors.New("boom")})
	require.Len(t, msgs, 1)
	p := msgs[0].(ProgressMsg)
	assert.True(t, p.Done)
	assert.EqualError(t, p.Err, "boom")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusComplete, StatusFor(db.CopyDownloaded, nil))
	assert.Equal(t, StatusComplete, StatusFor(db.TransferOK, nil))
	assert.Equal(t, StatusSkipped, StatusFor(db.CopyAlreadyPresent, nil))
	assert.Equal(t, StatusSkipped, StatusFor("skipped", nil))
	assert.Equal(t, StatusError, StatusFor(db.CopySourceNotFound, nil))
	assert.Equal(t, StatusError, StatusFor(db.CopyCopied, errors.New("x")))
}

func feed(m *AppModel, ev orchestrator.Event) {
	for _, msg := range FromEvent(ev) {
		m.Update(msg)
	}
}

func TestUpdateTracksStagesAndFiles(t *testing.T) {
	m := NewAppModel("rcpsync run", nil)
	feed(m, orchestrator.Event{Stage: orchestrator.StageDecentralized, Item: "R_1.htm", Outcome: db.CopyCopied, Done: 1, Total: 2})
	feed(m, orchestrator.Event{Stage: orchestrator.StageDecentralized, Item: "N_1.htm", Outcome: db.CopySourceNotFound, Done: 2, Total: 2})
	feed(m, orchestrator.Event{Stage: orchestrator.StageDecentralized, Done: 2, Total: 2, Finished: true})
	feed(m, orchestrator.Event{Stage: orchestrator.StageCentralized, Item: "68000001", Outcome: db.CopyDownloaded, Done: 1, Total: 1})

	stages := m.Stages()
	require.Len(t, stages, 2)
	assert.True(t, stages[orchestrator.StageDecentralized].Done)
	assert.Equal(t, int64(2), stages[orchestrator.StageDecentralized].Current)
	assert.False(t, stages[orchestrator.StageCentralized].Done)
	assert.Equal(t, []string{orchestrator.StageDecentralized, orchestrator.StageCentralized}, m.stageOrder)
	assert.Len(t, m.fileOrder, 3)

	view := m.View()
	assert.Contains(t, view, "rcpsync run")
	assert.Contains(t, view, "R_1.htm")
	assert.Contains(t, view, db.CopySourceNotFound)
	assert.Contains(t, view, "2/2")
}

func TestFileListIsBounded(t *testing.T) {
	m := NewAppModel("run", nil)
	for i := 0; i < maxFiles+10; i++ {
		m.Update(FileProgressMsg{FileID: fmt.Sprintf("f%d", i), FileName: "f", Status: StatusComplete})
	}
	assert.Len(t, m.fileOrder, maxFiles)
	assert.Len(t, m.files, maxFiles)
}

func TestTaskFinishedQuits(t *testing.T) {
	m := NewAppModel("run", nil)
	_, cmd := m.Update(NewTaskFinished("run", m.startTime, nil, "batch 20250718_100000 closed"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, Finished, m.State)
	assert.Contains(t, m.View(), "batch 20250718_100000 closed")

	m = NewAppModel("run", nil)
	m.Update(NewTaskFinished("run", m.startTime, errors.New("sftp refused"), ""))
	assert.Equal(t, ShowError, m.State)
	assert.Contains(t, m.View(), "sftp refused")
}

func TestQuitCancelsJob(t *testing.T) {
	cancelled := false
	m := NewAppModel("run", func() { cancelled = true })
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, cancelled)
	assert.Equal(t, Exiting, m.State)
}

func TestWrapText(t *testing.T) {
	assert.Equal(t, "aaa bbb\nccc", wrapText("aaa bbb ccc", 8))
	assert.Equal(t, "abc", wrapText("abc", 0))
}
