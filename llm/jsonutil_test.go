package llm

import (
	"encoding/json"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantKey string // checked when non-empty
		wantErr bool
	}{
		{
			name:    "plain JSON",
			input:   `{"plan_id": "p1"}`,
			wantKey: "plan_id",
		},
		{
			name:    "markdown code block",
			input:   "```json\n{\"plan_id\": \"p1\"}\n```",
			wantKey: "plan_id",
		},
		{
			name:    "prose around the object",
			input:   "Here is your plan:\n{\"ordered_steps\": []}\nLet me know if you need changes.",
			wantKey: "ordered_steps",
		},
		{
			name:    "braces inside strings",
			input:   `{"description": "use {{step[0].name}} here", "x": 1} trailing }`,
			wantKey: "description",
		},
		{
			name:    "comments and trailing commas",
			input:   "```json\n{\n  \"steps\": [\n    \"one\",  // first\n    \"two\",\n  ],\n}\n```",
			wantKey: "steps",
		},
		{
			name:    "URL in string not stripped",
			input:   `{"url": "http://example.com/path"}`,
			wantKey: "url",
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "unterminated object",
			input:   `{"plan_id": "p1"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSON(tt.input)
			if tt.wantErr {
				if got != "" {
					t.Errorf("expected no JSON, got %q", got)
				}
				return
			}

			var parsed map[string]any
			if err := json.Unmarshal([]byte(got), &parsed); err != nil {
				t.Fatalf("extracted JSON does not parse: %v\n%s", err, got)
			}
			if _, ok := parsed[tt.wantKey]; !ok {
				t.Errorf("missing key %q in %v", tt.wantKey, parsed)
			}
		})
	}
}

func TestExtractJSONArray(t *testing.T) {
	input := "Revised steps:\n```json\n[{\"tool_name\": \"book_ride\"},]\n```"
	got := ExtractJSONArray(input)

	var parsed []map[string]any
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("extracted array does not parse: %v\n%s", err, got)
	}
	if len(parsed) != 1 || parsed[0]["tool_name"] != "book_ride" {
		t.Errorf("unexpected array %v", parsed)
	}

	if ExtractJSONArray("no array here") != "" {
		t.Error("expected empty result")
	}
}

func TestStripLineComment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"a",   // note`, `"a",`},
		{`"url": "http://x.y"`, `"url": "http://x.y"`},
		{`"q": "say \"//\" now" // c`, `"q": "say \"//\" now"`},
	}
	for _, tt := range tests {
		if got := stripLineComment(tt.in); got != tt.want {
			t.Errorf("stripLineComment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
