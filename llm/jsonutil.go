package llm

import (
	"regexp"
	"strings"
)

var (
	// fencePattern matches the body of a markdown code block.
	fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON returns the first complete JSON object in an LLM response,
// looking inside a markdown code block first. Comments and trailing commas
// are removed. It returns "" when no object is found.
func ExtractJSON(content string) string {
	return extract(content, '{', '}')
}

// ExtractJSONArray is ExtractJSON for a top-level array.
func ExtractJSONArray(content string) string {
	return extract(content, '[', ']')
}

func extract(content string, open, close byte) string {
	if m := fencePattern.FindStringSubmatch(content); len(m) > 1 {
		if s := balanced(m[1], open, close); s != "" {
			return cleanJSON(s)
		}
	}
	if s := balanced(content, open, close); s != "" {
		return cleanJSON(s)
	}
	return ""
}

// balanced returns the first substring that starts at open and ends at its
// matching close, skipping delimiters inside JSON strings.
func balanced(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// cleanJSON removes JavaScript-style comments and trailing commas, which
// models commonly emit.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a trailing // comment that sits outside any
// string value.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
