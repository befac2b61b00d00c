package assertion

import "testing"

func TestRenderMessage(t *testing.T) {
	vars := map[string]any{
		"field": "rating",
		"value": 150.456,
		"name":  "",
	}

	tests := []struct {
		template string
		want     string
	}{
		{"plain text", "plain text"},
		{"{{ field }} too high", "rating too high"},
		{"{{ value | round(1) }}", "150.5"},
		{"{{ value | round }}", "150"},
		{"{{ field | upper }}", "RATING"},
		{"{{ field | upper | lower }}", "rating"},
		{"{{ name | default(anonymous) }}", "anonymous"},
		{"{{ missing | default('n/a') }}", "n/a"},
	}
	for _, tc := range tests {
		got := renderMessage(tc.template, vars)
		if got != tc.want {
			t.Fatalf("renderMessage(%q)=%q, want %q", tc.template, got, tc.want)
		}
	}
}

func TestRenderMessageFailuresReturnEmpty(t *testing.T) {
	vars := map[string]any{"value": "abc"}
	for _, template := range []string{
		"{{ value | round }}",
		"{{ value | unknown }}",
		"{{ unterminated",
	} {
		if got := renderMessage(template, vars); got != "" {
			t.Fatalf("renderMessage(%q)=%q, want empty", template, got)
		}
	}
}
