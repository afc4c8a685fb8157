package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ActionList is a JSON object of name -> ActionRequest decoded in document order.
type ActionList []NamedAction

func (l *ActionList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*l = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("actions must be a JSON object")
	}
	var out ActionList
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("invalid action name %v", keyTok)
		}
		var req ActionRequest
		if err := dec.Decode(&req); err != nil {
			return fmt.Errorf("failed to decode action %q: %w", name, err)
		}
		out = append(out, NamedAction{Name: name, ActionRequest: req})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*l = out
	return nil
}

func (l ActionList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, a := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(a.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(a.ActionRequest)
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
