// Package recentchange decodes Wikimedia recent-change documents.
//
// Decoding is permissive: a document only has to be a JSON object. Fields that
// are missing, null, or of an unexpected type never fail decoding; they resolve
// to the zero value when the partial record is resolved into a Change.
package recentchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNotObject is returned when the payload is valid JSON but not an object.
var ErrNotObject = errors.New("recent change is not a JSON object")

// Text is an optional string field.
type Text struct {
	Value string
	Set   bool
}

// Or returns the value when set and def otherwise.
func (t Text) Or(def string) string {
	if !t.Set {
		return def
	}
	return t.Value
}

// UnmarshalJSON accepts strings as-is and renders numbers and booleans as
// their literal text. Objects and arrays resolve to unset.
func (t *Text) UnmarshalJSON(data []byte) error {
	*t = Text{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case 'n', '{', '[':
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		*t = Text{Value: s, Set: true}
	default:
		*t = Text{Value: string(data), Set: true}
	}
	return nil
}

// Integer is an optional 64-bit integer field.
type Integer struct {
	Value int64
	Set   bool
}

// Or returns the value when set and def otherwise.
func (i Integer) Or(def int64) int64 {
	if !i.Set {
		return def
	}
	return i.Value
}

// UnmarshalJSON accepts numbers (fractions are truncated), numeric strings and
// booleans (1 or 0). Anything else resolves to unset.
func (i *Integer) UnmarshalJSON(data []byte) error {
	*i = Integer{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case 't':
		*i = Integer{Value: 1, Set: true}
	case 'f':
		*i = Integer{Value: 0, Set: true}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if v, ok := parseInt(strings.TrimSpace(s)); ok {
			*i = Integer{Value: v, Set: true}
		}
	case 'n', '{', '[':
	default:
		if v, ok := parseInt(string(data)); ok {
			*i = Integer{Value: v, Set: true}
		}
	}
	return nil
}

func parseInt(s string) (int64, bool) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

// Partial is a recent-change document as it arrives on the wire. Every field
// is optional; use Resolve to obtain a Change with defaults applied.
type Partial struct {
	Title     Text    `json:"title"`
	TitleURL  Text    `json:"title_url"`
	User      Text    `json:"user"`
	Type      Text    `json:"type"`
	Comment   Text    `json:"comment"`
	ID        Integer `json:"id"`
	Timestamp Integer `json:"timestamp"`
	ServerURL Text    `json:"server_url"`
}

// Change is a fully resolved recent change.
type Change struct {
	Title     string
	TitleURL  string
	User      string
	Type      string
	Comment   string
	ID        int64
	Timestamp int64 // epoch seconds
	ServerURL string
}

// Resolve applies defaults to every missing field: empty string for text and
// zero for integers.
func (p Partial) Resolve() Change {
	return Change{
		Title:     p.Title.Or(""),
		TitleURL:  p.TitleURL.Or(""),
		User:      p.User.Or(""),
		Type:      p.Type.Or(""),
		Comment:   p.Comment.Or(""),
		ID:        p.ID.Or(0),
		Timestamp: p.Timestamp.Or(0),
		ServerURL: p.ServerURL.Or(""),
	}
}

// Decode parses payload into a Partial. It fails only when payload is not a
// JSON object.
func Decode(payload []byte) (Partial, error) {
	var p Partial
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return p, fmt.Errorf("decode recent change: empty payload")
	}
	if !json.Valid(trimmed) {
		return p, fmt.Errorf("decode recent change: invalid JSON")
	}
	if trimmed[0] != '{' {
		return p, ErrNotObject
	}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return Partial{}, fmt.Errorf("decode recent change: %w", err)
	}
	return p, nil
}

// Parse decodes payload and resolves it into a Change.
func Parse(payload []byte) (Change, error) {
	p, err := Decode(payload)
	if err != nil {
		return Change{}, err
	}
	return p.Resolve(), nil
}
