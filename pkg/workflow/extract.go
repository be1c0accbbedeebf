package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// field is one top-level member of a JSON object, in document order.
type field struct {
	Key   string
	Value json.RawMessage
}

// extractor pulls reply prose out of the fields of a response object.
type extractor struct {
	name string
	fn   func(fields []field) (string, bool)
}

// replyExtractors are tried in order; the first success wins.
var replyExtractors = []extractor{
	{name: "reply", fn: keyed("reply")},
	{name: "alternate", fn: keyed("output", "response", "message")},
	{name: "first_string", fn: firstString},
}

// keyed returns the first non-blank string stored under one of keys,
// honoring the order of keys rather than the document order.
func keyed(keys ...string) func([]field) (string, bool) {
	return func(fields []field) (string, bool) {
		for _, k := range keys {
			for _, f := range fields {
				if f.Key != k {
					continue
				}
				if s, ok := proseValue(f.Value); ok {
					return s, true
				}
			}
		}
		return "", false
	}
}

func firstString(fields []field) (string, bool) {
	for _, f := range fields {
		if s, ok := proseValue(f.Value); ok {
			return s, true
		}
	}
	return "", false
}

func proseValue(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// ExtractReply finds the reply text in a workflow response body.
// An array body is reduced to its first object element, and a bare JSON
// string is taken as the reply itself. It returns
// ErrUpstreamMalformedResponse when the body is empty, is not JSON, or no
// strategy yields prose.
func ExtractReply(body []byte) (string, string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", "", fmt.Errorf("%w: empty body", ErrUpstreamMalformedResponse)
	}

	var top json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUpstreamMalformedResponse, err)
	}

	switch top[0] {
	case '"':
		if s, ok := proseValue(top); ok {
			return s, "string", nil
		}
		return "", "", fmt.Errorf("%w: blank string body", ErrUpstreamMalformedResponse)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(top, &items); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrUpstreamMalformedResponse, err)
		}
		for _, item := range items {
			if len(item) > 0 && item[0] == '{' {
				return extractFromObject(item)
			}
		}
		return "", "", fmt.Errorf("%w: array without objects", ErrUpstreamMalformedResponse)
	case '{':
		return extractFromObject(top)
	default:
		return "", "", fmt.Errorf("%w: unexpected JSON value", ErrUpstreamMalformedResponse)
	}
}

func extractFromObject(raw json.RawMessage) (string, string, error) {
	fields, err := objectFields(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUpstreamMalformedResponse, err)
	}
	for _, ex := range replyExtractors {
		if s, ok := ex.fn(fields); ok {
			return s, ex.name, nil
		}
	}
	return "", "", fmt.Errorf("%w: no reply field", ErrUpstreamMalformedResponse)
}

// objectFields decodes the top level of a JSON object keeping key order.
func objectFields(raw json.RawMessage) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var fields []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		fields = append(fields, field{Key: key, Value: value})
	}
	return fields, nil
}
