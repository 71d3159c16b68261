package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantKey string
		wantVal any
	}{
		{
			name:    "fenced json block",
			text:    "Here you go:\n```json\n{\"a\": 1}\n```\nthanks",
			wantKey: "a",
			wantVal: json.Number("1"),
		},
		{
			name:    "untagged fence",
			text:    "```\n{\"a\": \"x\"}\n```",
			wantKey: "a",
			wantVal: "x",
		},
		{
			name:    "first object block wins over non-object block",
			text:    "```text\nnot json\n```\n```json\n{\"b\": true}\n```\n```json\n{\"b\": false}\n```",
			wantKey: "b",
			wantVal: true,
		},
		{
			name:    "bare object with prose",
			text:    "The grade is {\"c\": [1, 2]} as requested.",
			wantKey: "c",
			wantVal: []any{json.Number("1"), json.Number("2")},
		},
		{
			name:    "invalid fenced object and no fallback",
			text:    "```json\n{\"d\": 1,}\n```",
			wantKey: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := ExtractJSON(tt.text)
			if tt.wantKey == "" {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVal, obj[tt.wantKey])
		})
	}
}

func TestExtractJSONFailures(t *testing.T) {
	for _, text := range []string{
		"",
		"no json here",
		"} backwards {",
		"```json\n[1, 2]\n```",
		"{not: valid}",
	} {
		_, err := ExtractJSON(text)
		assert.Error(t, err, text)
	}
}
