package content

import (
	"encoding/json"
	"fmt"
)

// Wire payloads are discriminated by an "@type" field. encodeTagged wraps a
// concrete struct's JSON with the discriminator; peekType reads it back before
// the concrete type is known.

func encodeTagged(tag string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	t, err := json.Marshal(tag)
	if err != nil {
		return nil, err
	}
	m["@type"] = t
	return json.Marshal(m)
}

func peekType(data []byte) (string, error) {
	var probe struct {
		Type string `json:"@type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", err
	}
	if probe.Type == "" {
		return "", fmt.Errorf("missing @type discriminator")
	}
	return probe.Type, nil
}
