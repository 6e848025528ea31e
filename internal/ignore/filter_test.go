package ignore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jask/moneysync/internal/database/repository"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()
	f := NewFilter([]repository.IgnoreRule{
		{ID: "r1", Pattern: "Internal  Transfer", Active: true},
		{ID: "r2", Pattern: "transfer", Active: true},
		{ID: "r3", Pattern: "netflix", Active: false},
		{ID: "r4", Pattern: "   ", Active: true},
	})
	require.Equal(t, 2, f.Len())

	tests := []struct {
		desc string
		rule string
	}{
		{desc: "INTERNAL TRANSFER to savings", rule: "r1"},
		{desc: "wire transfer", rule: "r2"},
		{desc: "NETFLIX.COM", rule: ""},
		{desc: "", rule: ""},
	}
	for _, tt := range tests {
		got := f.Evaluate(tt.desc)
		if tt.rule == "" {
			assert.False(t, got.Ignored, tt.desc)
			assert.Nil(t, got.RuleID)
			continue
		}
		assert.True(t, got.Ignored, tt.desc)
		require.NotNil(t, got.RuleID)
		assert.Equal(t, tt.rule, *got.RuleID)
	}
}

func TestEvaluateResultIndependentOfOrder(t *testing.T) {
	t.Parallel()
	a := repository.IgnoreRule{ID: "a", Pattern: "pay", Active: true}
	b := repository.IgnoreRule{ID: "b", Pattern: "payment", Active: true}
	forward := NewFilter([]repository.IgnoreRule{a, b}).Evaluate("PAYMENT THANKYOU")
	backward := NewFilter([]repository.IgnoreRule{b, a}).Evaluate("PAYMENT THANKYOU")
	assert.Equal(t, forward.Ignored, backward.Ignored)
	assert.Equal(t, "a", *forward.RuleID)
	assert.Equal(t, "b", *backward.RuleID)
	assert.False(t, NewFilter(nil).Evaluate("anything").Ignored)
}
