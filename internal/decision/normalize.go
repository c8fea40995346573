package decision

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// Strategy turns raw reply text into a mapping. Strategies never panic and
// report false when they cannot produce one.
type Strategy struct {
	Name  string
	Parse func(text string) (map[string]any, bool)
}

// Strategies is the fixed extraction order.
var Strategies = []Strategy{
	{Name: "json", Parse: parseStrictJSON},
	{Name: "literal", Parse: parseLiteral},
	{Name: "embedded", Parse: parseEmbedded},
}

// Normalize runs the strategies in order and validates the first mapping
// recovered. It returns ErrNoDecision when every strategy fails.
func Normalize(text string) (*Decision, error) {
	for _, s := range Strategies {
		m, ok := safeParse(s, text)
		if !ok {
			continue
		}
		d := FromMap(m)
		d.Strategy = s.Name
		return d, nil
	}
	return nil, ErrNoDecision
}

func safeParse(s Strategy, text string) (m map[string]any, ok bool) {
	defer func() {
		if recover() != nil {
			m, ok = nil, false
		}
	}()
	return s.Parse(text)
}

var fence = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\s*(.*?)\\s*```$")

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if m := fence.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}

func decodeJSON(text string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	// trailing garbage means the text was not a single value
	if strings.TrimSpace(text[dec.InputOffset():]) != "" {
		return nil, false
	}
	return v, true
}

func parseStrictJSON(text string) (map[string]any, bool) {
	v, ok := decodeJSON(stripFence(text))
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func parseLiteral(text string) (map[string]any, bool) {
	v, err := ParseLiteral(stripFence(text))
	if err != nil {
		return nil, false
	}
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case []any:
		for _, item := range x {
			if m, ok := item.(map[string]any); ok {
				return m, true
			}
		}
	}
	return nil, false
}

var braceSpan = regexp.MustCompile(`(?s)\{.*\}`)

// parseEmbedded finds a JSON object inside prose: first the widest brace
// span, then each balanced span in order of appearance.
func parseEmbedded(text string) (map[string]any, bool) {
	if span := braceSpan.FindString(text); span != "" {
		if v, ok := decodeJSON(span); ok {
			if m, ok := v.(map[string]any); ok {
				return m, true
			}
		}
	}
	for _, span := range balancedSpans(text) {
		if v, ok := decodeJSON(span); ok {
			if m, ok := v.(map[string]any); ok {
				return m, true
			}
		}
	}
	return nil, false
}

// balancedSpans returns top-level {...} spans, skipping braces in strings.
func balancedSpans(text string) []string {
	var (
		spans    []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					spans = append(spans, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return spans
}

// Encode renders d in the wire layout used by the HTTP surface.
func Encode(d *Decision) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
