package market

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FlexString decodes a JSON string, number or null into text. Upstream
// payloads mix "0.52" and 0.52 for the same field.
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*s = ""
	case b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(v)
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		*s = FlexString(b)
	case bytes.Equal(b, []byte("true")) || bytes.Equal(b, []byte("false")):
		*s = FlexString(b)
	default:
		return fmt.Errorf("cannot decode %s into a string or number", truncate(b))
	}
	return nil
}

// Float parses the value, nil when empty or not numeric
func (s FlexString) Float() *float64 {
	return ParseFloat(string(s))
}

// FlexList decodes either a JSON array of strings/numbers or a string holding
// such an array, e.g. "[\"Yes\", \"No\"]".
type FlexList []string

func (l *FlexList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}

	if b[0] == '"' {
		var inner string
		if err := json.Unmarshal(b, &inner); err != nil {
			return err
		}
		if inner == "" {
			*l = nil
			return nil
		}
		b = []byte(inner)
	}

	var items []FlexString
	if err := json.Unmarshal(b, &items); err != nil {
		return fmt.Errorf("decode list %s: %w", truncate(b), err)
	}

	out := make([]string, len(items))
	for i, item := range items {
		out[i] = string(item)
	}
	*l = out
	return nil
}

func truncate(b []byte) string {
	const limit = 64
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
