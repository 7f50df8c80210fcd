package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAnswers(t *testing.T) {
	tests := []struct {
		name    string
		answers map[string]interface{}
		wantErr bool
	}{
		{
			name:    "strings",
			answers: map[string]interface{}{"color": "blue", "size": "large"},
		},
		{
			name:    "list of strings",
			answers: map[string]interface{}{"toppings": []interface{}{"cheese", "basil"}},
		},
		{
			name:    "typed string slice",
			answers: map[string]interface{}{"toppings": []string{"cheese"}},
		},
		{
			name:    "empty",
			answers: map[string]interface{}{},
		},
		{
			name:    "number rejected",
			answers: map[string]interface{}{"count": float64(3)},
			wantErr: true,
		},
		{
			name:    "list with non-string rejected",
			answers: map[string]interface{}{"mixed": []interface{}{"ok", float64(1)}},
			wantErr: true,
		},
		{
			name:    "nested map rejected",
			answers: map[string]interface{}{"obj": map[string]interface{}{"a": "b"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAnswers(tt.answers)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNormalizeAnswers(t *testing.T) {
	got := normalizeAnswers(map[string]interface{}{
		"scalar": "blue",
		"list":   []interface{}{"cheese", "basil"},
		"typed":  []string{"a", "b", "c"},
	})

	assert.Equal(t, map[string]string{
		"scalar": "blue",
		"list":   "cheese, basil",
		"typed":  "a, b, c",
	}, got)
}

func TestNormalizeAnswers_Empty(t *testing.T) {
	assert.Empty(t, normalizeAnswers(map[string]interface{}{}))
	assert.Empty(t, normalizeAnswers(nil))
}
