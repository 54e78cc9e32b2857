package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeaseExpired(t *testing.T) {
	now := time.Now()
	claimedAt := now.Add(-2 * time.Minute)

	cmd := &PersistentCommand{State: StateClaimed, ClaimedAt: &claimedAt}
	assert.True(t, cmd.LeaseExpired(now, time.Minute))
	assert.False(t, cmd.LeaseExpired(now, 5*time.Minute))

	cmd.State = StatePending
	assert.False(t, cmd.LeaseExpired(now, time.Minute))
}

func TestSupportsMode(t *testing.T) {
	open := &TemplateDescriptor{ID: "welcome"}
	assert.True(t, open.SupportsMode("wizard"))

	scoped := &TemplateDescriptor{ID: "welcome", Modes: []string{"wizard"}}
	assert.True(t, scoped.SupportsMode("wizard"))
	assert.True(t, scoped.SupportsMode(""))
	assert.False(t, scoped.SupportsMode("registry"))
}

func TestRequestFromCommand(t *testing.T) {
	cmd := &PersistentCommand{
		ID:           "m1",
		TemplateName: "welcome",
		Trigger:      DefaultTrigger,
		Ctx:          map[string]any{"name": "Alice"},
		Recipients:   []string{"a@example.com"},
	}

	req := cmd.Request()
	assert.Equal(t, "m1", req.ID)
	assert.Equal(t, "welcome", req.TemplateName)
	assert.Equal(t, []string{"a@example.com"}, req.Recipients)
	assert.Equal(t, "Alice", req.Ctx["name"])
}
