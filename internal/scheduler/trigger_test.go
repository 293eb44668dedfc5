package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		state   map[string]any
		want    bool
		wantErr bool
	}{
		{"greater than true", "score > 0.8", map[string]any{"score": 0.9}, true, false},
		{"greater than false", "score > 0.8", map[string]any{"score": 0.5}, false, false},
		{"greater or equal boundary", "score >= 0.8", map[string]any{"score": 0.8}, true, false},
		{"less than", "amount < 1000", map[string]any{"amount": 500.0}, true, false},
		{"equality string", `level == high`, map[string]any{"level": "high"}, true, false},
		{"inequality string", `level != low`, map[string]any{"level": "high"}, true, false},
		{"dotted path", "claim.amount > 10000", map[string]any{"claim": map[string]any{"amount": 20000.0}}, true, false},
		{"missing field is false", "score > 0.8", map[string]any{}, false, false},
		{"type mismatch is false", "score > 0.8", map[string]any{"score": "high"}, false, false},
		{"int value", "count >= 3", map[string]any{"count": 3}, true, false},
		{"empty always triggers", "", map[string]any{}, true, false},
		{"no operator", "score approximately 0.8", nil, false, true},
		{"operator only", "> 0.8", nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := parseCondition(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cond.evaluate(tt.state))
		})
	}
}

func TestCondition_OrderedStringComparisonIsFalse(t *testing.T) {
	cond, err := parseCondition("level > medium")
	require.NoError(t, err)
	assert.False(t, cond.evaluate(map[string]any{"level": "high"}))
}
