package models

import "time"

type CommandState string

const (
	StatePending CommandState = "pending"
	StateClaimed CommandState = "claimed"
	StateDone    CommandState = "done"
	StateFailed  CommandState = "failed"
)

const DefaultTrigger = "input_file"

type PersistentCommand struct {
	ID           string         `json:"id"`
	State        CommandState   `json:"state"`
	TemplateName string         `json:"template_name"`
	Trigger      string         `json:"trigger"`
	Ctx          map[string]any `json:"ctx"`
	Recipients   []string       `json:"recipients"`
	Attempts     int            `json:"attempts"`

	ClaimedBy *string    `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	LastError *string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *PersistentCommand) Request() MessageRequest {
	return MessageRequest{
		ID:           c.ID,
		TemplateName: c.TemplateName,
		Trigger:      c.Trigger,
		Ctx:          c.Ctx,
		Recipients:   c.Recipients,
	}
}

// LeaseExpired reports whether a claimed command's lease is older than ttl.
func (c *PersistentCommand) LeaseExpired(now time.Time, ttl time.Duration) bool {
	if c.State != StateClaimed || c.ClaimedAt == nil {
		return false
	}
	return !c.ClaimedAt.Add(ttl).After(now)
}

func (c *PersistentCommand) Terminal() bool {
	return c.State == StateDone || c.State == StateFailed
}

// QueueStats counts commands per state.
type QueueStats struct {
	Pending int64 `json:"pending"`
	Claimed int64 `json:"claimed"`
	Done    int64 `json:"done"`
	Failed  int64 `json:"failed"`
}

func (s *QueueStats) Add(state CommandState, n int64) {
	switch state {
	case StatePending:
		s.Pending += n
	case StateClaimed:
		s.Claimed += n
	case StateDone:
		s.Done += n
	case StateFailed:
		s.Failed += n
	}
}
