// Package record defines the document kinds stored in the vault and the
// flat JSON shape used for them in structured backups.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies one of the document tables.
type Kind string

const (
	KindAadhar   Kind = "aadhar"
	KindBanks    Kind = "banks"
	KindCards    Kind = "cards"
	KindPolicies Kind = "policies"
	KindPAN      Kind = "pan"
	KindVoterID  Kind = "voterId"
	KindLicense  Kind = "license"
)

// Kinds lists every kind in backup order.
var Kinds = []Kind{
	KindAadhar,
	KindBanks,
	KindCards,
	KindPolicies,
	KindPAN,
	KindVoterID,
	KindLicense,
}

// ErrUnknownKind is returned for a Kind outside Kinds.
var ErrUnknownKind = errors.New("record: unknown kind")

// ErrDuplicateID is returned when a kind holds two records with one id.
var ErrDuplicateID = errors.New("record: duplicate id")

// ParseKind validates s as a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	_, err := ParseKind(string(k))
	return err == nil
}

// Record is a single document. Field names are free-form; the vault does not
// interpret them.
type Record struct {
	ID     int64
	Fields map[string]string
}

// MarshalJSON writes the record as one flat object with "id" next to the
// fields.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["id"] = r.ID
	return json.Marshal(m)
}

// UnmarshalJSON accepts a flat object. "id" may be a number or a numeric
// string; other values must be strings, numbers or booleans and are kept in
// their textual form.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("record: %w", err)
	}

	rec := Record{Fields: make(map[string]string, len(raw))}
	for key, val := range raw {
		if key == "id" {
			id, err := parseID(val)
			if err != nil {
				return err
			}
			rec.ID = id
			continue
		}
		s, err := fieldString(val)
		if err != nil {
			return fmt.Errorf("record: field %q: %w", key, err)
		}
		rec.Fields[key] = s
	}
	*r = rec
	return nil
}

func parseID(val json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(val, &n); err == nil {
		id, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("record: invalid id %s", val)
		}
		return id, nil
	}
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return 0, fmt.Errorf("record: invalid id %s", val)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("record: invalid id %q", s)
	}
	return id, nil
}

func fieldString(val json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(val, &v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return string(val), nil
	default:
		return "", fmt.Errorf("unsupported value %s", val)
	}
}

// FieldNames returns the record's field names sorted.
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Set holds records grouped by kind. It is the plaintext of a structured
// backup: {"aadhar":[...],"banks":[...],...}.
type Set map[Kind][]Record

// NewSet returns a Set with an empty slice for every kind so that its JSON
// form always carries all seven keys.
func NewSet() Set {
	s := make(Set, len(Kinds))
	for _, k := range Kinds {
		s[k] = []Record{}
	}
	return s
}

// Counts returns the number of records per kind.
func (s Set) Counts() map[Kind]int {
	c := make(map[Kind]int, len(Kinds))
	for _, k := range Kinds {
		c[k] = len(s[k])
	}
	return c
}

// Total returns the number of records across all kinds.
func (s Set) Total() int {
	n := 0
	for _, recs := range s {
		n += len(recs)
	}
	return n
}

// CheckIDs rejects a kind that lists the same non-zero id twice. Zero ids
// are assigned on insert and may repeat.
func (s Set) CheckIDs() error {
	for _, k := range Kinds {
		seen := make(map[int64]struct{}, len(s[k]))
		for _, r := range s[k] {
			if r.ID == 0 {
				continue
			}
			if _, dup := seen[r.ID]; dup {
				return fmt.Errorf("%w: %s %d", ErrDuplicateID, k, r.ID)
			}
			seen[r.ID] = struct{}{}
		}
	}
	return nil
}

// UnmarshalJSON rejects unknown kinds and duplicate ids and fills missing
// kinds with empty slices.
func (s *Set) UnmarshalJSON(data []byte) error {
	var raw map[string][]Record
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("record: invalid set: %w", err)
	}
	out := NewSet()
	for name, recs := range raw {
		k, err := ParseKind(name)
		if err != nil {
			return err
		}
		if recs != nil {
			out[k] = recs
		}
	}
	if err := out.CheckIDs(); err != nil {
		return err
	}
	*s = out
	return nil
}
