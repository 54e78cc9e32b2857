package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "nil", err: nil, permanent: false},
		{name: "template not found", err: &TemplateNotFoundError{Name: "welcome"}, permanent: true},
		{name: "render error", err: &RenderError{Template: "welcome", Part: "subject", Err: errors.New("boom")}, permanent: true},
		{name: "auth error", err: &AuthError{Err: errors.New("535")}, permanent: true},
		{name: "validation error", err: &ValidationError{Field: "recipients", Reason: "empty"}, permanent: true},
		{name: "wrapped auth error", err: fmt.Errorf("send: %w", &AuthError{Err: errors.New("535")}), permanent: true},
		{name: "transport error", err: &TransportError{Err: errors.New("connection refused")}, permanent: false},
		{name: "rejected by server", err: &TransportError{Err: errors.New("550 no such user"), Rejected: true}, permanent: true},
		{name: "store error", err: NewStoreError("claim", errors.New("timeout")), permanent: false},
		{name: "unknown error", err: errors.New("something"), permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
			if tt.err != nil {
				assert.Equal(t, !tt.permanent, IsRetryable(tt.err))
			}
		})
	}
}

func TestErrorMessagesNameTheTaxonomy(t *testing.T) {
	assert.Contains(t, (&TemplateNotFoundError{Name: "x", Mode: "wizard"}).Error(), "TemplateNotFound")
	assert.Contains(t, (&RenderError{Template: "x", Part: "html", Err: errors.New("e")}).Error(), "RenderError")
	assert.Contains(t, (&TransportError{Err: errors.New("e")}).Error(), "TransportError")
	assert.Contains(t, (&AuthError{Err: errors.New("e")}).Error(), "AuthError")
}

func TestStoreErrorUnwrap(t *testing.T) {
	cause := errors.New("conn reset")
	err := NewStoreError("complete", cause)

	assert.True(t, IsStoreError(err))
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, NewStoreError("noop", nil))
}
