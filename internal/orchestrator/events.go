package orchestrator

import (
	"sync/atomic"
)

// Stage names reported in events.
const (
	StageDecentralized = "decentralized"
	StageCentralized   = "centralized"
	StageReports       = "reports"
	StageTransferFR    = "transfer-fr"
	StageTransferEU    = "transfer-eu"
	StageRecover       = "recover"
)

// Event reports progress of one item, or the end of a stage when
// Finished is set.
type Event struct {
	Stage    string
	Item     string
	Outcome  string
	Done     int64
	Total    int64
	Err      error
	Finished bool
}

// ProgressFunc receives events from concurrent workers. It must not block.
type ProgressFunc func(Event)

// stageCounter numbers the items of one stage as they complete.
type stageCounter struct {
	stage    string
	total    int64
	done     atomic.Int64
	progress ProgressFunc
}

func newStageCounter(stage string, total int, progress ProgressFunc) *stageCounter {
	return &stageCounter{stage: stage, total: int64(total), progress: progress}
}

func (s *stageCounter) item(name, outcome string, err error) {
	n := s.done.Add(1)
	if s.progress != nil {
		s.progress(Event{Stage: s.stage, Item: name, Outcome: outcome, Done: n, Total: s.total, Err: err})
	}
}

func (s *stageCounter) finish(err error) {
	if s.progress != nil {
		s.progress(Event{Stage: s.stage, Done: s.done.Load(), Total: s.total, Err: err, Finished: true})
	}
}
