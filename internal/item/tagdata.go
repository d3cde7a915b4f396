package item

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TagData is an ordered key→value map of rule-matching fields.
//
// Order matters: tag-level de-identification scripts run in the order the
// tags were extracted from the payload, and the sidecar record must round-
// trip that order. Plain map[string]string would lose it, hence the custom
// JSON encoding below.
type TagData struct {
	keys   []string
	values map[string]string
}

// NewTagData creates an empty TagData.
func NewTagData() *TagData {
	return &TagData{values: make(map[string]string)}
}

// Set stores value under key, appending the key on first insertion.
func (t *TagData) Set(key, value string) {
	if t.values == nil {
		t.values = make(map[string]string)
	}
	if _, ok := t.values[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.values[key] = value
}

// Get returns the value for key and whether it is present.
func (t *TagData) Get(key string) (string, bool) {
	if t == nil || t.values == nil {
		return "", false
	}
	v, ok := t.values[key]
	return v, ok
}

// Delete removes key if present.
func (t *TagData) Delete(key string) {
	if t == nil || t.values == nil {
		return
	}
	if _, ok := t.values[key]; !ok {
		return
	}
	delete(t.values, key)
	for i, k := range t.keys {
		if k == key {
			t.keys = append(t.keys[:i], t.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order. The slice is a copy.
func (t *TagData) Keys() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.keys...)
}

// Len returns the number of entries.
func (t *TagData) Len() int {
	if t == nil {
		return 0
	}
	return len(t.keys)
}

// Clone returns a deep copy.
func (t *TagData) Clone() *TagData {
	if t == nil {
		return nil
	}
	c := &TagData{
		keys:   append([]string(nil), t.keys...),
		values: make(map[string]string, len(t.values)),
	}
	for k, v := range t.values {
		c.values[k] = v
	}
	return c
}

// MarshalJSON encodes the map as a JSON object preserving insertion order.
func (t *TagData) MarshalJSON() ([]byte, error) {
	if t == nil || len(t.keys) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range t.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(t.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order as written.
func (t *TagData) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("tag data: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("tag data: expected object, got %v", tok)
	}

	t.keys = nil
	t.values = make(map[string]string)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("tag data key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("tag data: non-string key %v", keyTok)
		}

		valTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("tag data value for %q: %w", key, err)
		}
		val, ok := valTok.(string)
		if !ok {
			return fmt.Errorf("tag data: non-string value for %q", key)
		}
		t.Set(key, val)
	}

	// Consume closing brace
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("tag data: %w", err)
	}
	return nil
}
