package jobs

import (
	"time"

	"github.com/yourusername/drawing-review/internal/apperr"
	"github.com/yourusername/drawing-review/internal/pipeline"
)

// State はジョブの実行状態を表します。
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// 状態は queued → running → succeeded|failed、または queued → failed の一方向にのみ進みます。
var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateFailed},
	StateRunning: {StateSucceeded, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job はジョブの現在状態を表します。
type Job struct {
	ID              string           `json:"jobId"`
	Fingerprint     string           `json:"fingerprint"`
	Filename        string           `json:"filename"`
	DrawingName     string           `json:"drawingName,omitempty"`
	Format          pipeline.Format  `json:"format"`
	State           State            `json:"state"`
	Stage           pipeline.Stage   `json:"stage,omitempty"`
	Result          *pipeline.Result `json:"result,omitempty"`
	Error           *apperr.Info     `json:"error,omitempty"`
	CancelRequested bool             `json:"cancelRequested,omitempty"`
	FromCache       bool             `json:"fromCache,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	ExpiresAt       time.Time        `json:"expiresAt"`
}

// Transition は状態遷移の妥当性を検証してから状態を更新します。
func (j *Job) Transition(to State) error {
	if !canTransition(j.State, to) {
		return apperr.Newf(apperr.KindInvalidState, "job %s cannot move from %s to %s", j.ID, j.State, to)
	}
	j.State = to
	return nil
}

// Clone はポインタを共有しないコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		e.Failures = append([]apperr.BackendFailure(nil), j.Error.Failures...)
		cp.Error = &e
	}
	return &cp
}
