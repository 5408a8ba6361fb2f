package deployment

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind classifies an outcome entry.
type Kind string

const (
	// KindGood reports a passed check or a completed change.
	KindGood Kind = "good"

	// KindAlert reports a precondition mismatch. Alerts do not fail a run.
	KindAlert Kind = "alert"

	// KindFailure reports an operation that could not be carried out.
	KindFailure Kind = "failure"
)

// Entry is a single outcome entry.
type Entry struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
}

// String renders the entry as a single display line.
func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Result is an ordered log of outcome entries.
// The zero value is ready to use. A Result is not safe for concurrent use.
type Result struct {
	entries []Entry
}

// NewResult returns an empty result.
func NewResult() *Result {
	return &Result{}
}

// AddGood appends a Good entry with a formatted message.
func (r *Result) AddGood(format string, args ...any) {
	r.add(KindGood, format, args...)
}

// AddAlert appends an Alert entry with a formatted message.
func (r *Result) AddAlert(format string, args ...any) {
	r.add(KindAlert, format, args...)
}

// AddFailure appends a Failure entry with a formatted message.
func (r *Result) AddFailure(format string, args ...any) {
	r.add(KindFailure, format, args...)
}

func (r *Result) add(kind Kind, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	r.entries = append(r.entries, Entry{Kind: kind, Message: msg})
}

// Merge appends all entries of other, preserving their order.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.entries = append(r.entries, other.entries...)
}

// Entries returns a copy of the entries in append order.
func (r *Result) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of entries.
func (r *Result) Len() int {
	return len(r.entries)
}

// Count returns the number of entries of the given kind.
func (r *Result) Count(kind Kind) int {
	n := 0
	for _, e := range r.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Successful reports whether the result holds no Failure entries.
func (r *Result) Successful() bool {
	return r.Count(KindFailure) == 0
}

// String renders one entry per line.
func (r *Result) String() string {
	var b strings.Builder
	for i, e := range r.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.String())
	}
	return b.String()
}

type resultJSON struct {
	Successful bool    `json:"successful"`
	Entries    []Entry `json:"entries"`
}

// MarshalJSON encodes the entries together with the derived success flag.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Successful: r.Successful(),
		Entries:    r.Entries(),
	})
}

// UnmarshalJSON decodes entries; the success flag is always re-derived.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.entries = raw.Entries
	return nil
}
