package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	base := New(CodeReauthRequired, "item %s needs login", "item-1")
	wrapped := fmt.Errorf("sync account: %w", base)

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"direct", base, CodeReauthRequired},
		{"wrapped", wrapped, CodeReauthRequired},
		{"plain", errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err), tt.name)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(CodeProviderTransient, "rate limited")))
	assert.True(t, Retryable(New(CodePersistenceConflict, "cursor moved")))
	assert.False(t, Retryable(New(CodeNotLinked, "no linkage")))
	assert.False(t, Retryable(errors.New("boom")))
}

func TestToPayloadHidesInternalDetail(t *testing.T) {
	p := ToPayload(fmt.Errorf("insert: %w", errors.New("sqlite: disk I/O error")))
	require.NotNil(t, p)
	assert.Equal(t, CodeInternal, p.Code)
	assert.Equal(t, "internal error", p.Message)

	p = ToPayload(Wrap(CodeValidation, errors.New("strconv"), "amount %q is not a number", "x"))
	require.NotNil(t, p)
	assert.Equal(t, CodeValidation, p.Code)
	assert.Equal(t, `amount "x" is not a number`, p.Message)

	assert.Nil(t, ToPayload(nil))
	assert.Nil(t, Wrap(CodeInternal, nil, "ignored"))
}
