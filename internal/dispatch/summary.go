package dispatch

import "github.com/google/uuid"

// Action is what the engine did with one selected job.
type Action string

const (
	ActionSent            Action = "sent"
	ActionFailed          Action = "failed"
	ActionSkipped         Action = "skipped"
	ActionRetryScheduled  Action = "retry_scheduled"
	ActionNeedsUserAction Action = "needs_user_action"
)

// Result describes one job in a batch.
type Result struct {
	ID             uuid.UUID `json:"id"`
	Platform       string    `json:"platform"`
	Action         Action    `json:"action"`
	Attempts       int       `json:"attempts"`
	ExternalPostID string    `json:"external_post_id,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Summary aggregates one RunOnce invocation.
type Summary struct {
	Processed       int      `json:"processed"`
	Sent            int      `json:"sent"`
	Failed          int      `json:"failed"`
	NeedsUserAction int      `json:"needs_user_action"`
	Retried         int      `json:"retried"`
	Skipped         int      `json:"skipped"`
	Results         []Result `json:"results"`
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	switch r.Action {
	case ActionSkipped:
		s.Skipped++
		return
	case ActionSent:
		s.Sent++
	case ActionFailed:
		s.Failed++
	case ActionNeedsUserAction:
		s.NeedsUserAction++
	case ActionRetryScheduled:
		s.Retried++
	}
	s.Processed++
}
