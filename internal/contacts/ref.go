package contacts

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Space says which key space an identifier belongs to.
type Space int

const (
	SpaceAny Space = iota
	SpaceDatabase
	SpaceProvider
)

// Ref is a normalized contact identifier.
type Ref struct {
	Space Space
	Key   string
}

// ParseRef normalizes one raw identifier. Accepted shapes are JSON strings,
// JSON numbers, {"id": ...} (database key) and {"contact_id"|"psid": ...}
// (provider key). ok is false for anything else, including empty keys.
func ParseRef(raw json.RawMessage) (Ref, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Ref{}, false
	}

	switch raw[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Ref{}, false
		}
		if v, ok := obj["id"]; ok {
			if k, ok := scalar(v); ok {
				return Ref{Space: SpaceDatabase, Key: k}, true
			}
		}
		for _, name := range []string{"contact_id", "psid"} {
			if v, ok := obj[name]; ok {
				if k, ok := scalar(v); ok {
					return Ref{Space: SpaceProvider, Key: k}, true
				}
			}
		}
		return Ref{}, false
	default:
		k, ok := scalar(raw)
		if !ok {
			return Ref{}, false
		}
		return Ref{Space: SpaceAny, Key: k}, true
	}
}

func scalar(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil || n == "" {
		return "", false
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), true
	}
	return n.String(), true
}

// DatabaseRef encodes a database key in the {"id": ...} form.
func DatabaseRef(id string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"id": id})
	return b
}
