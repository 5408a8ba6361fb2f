package deployment

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestResultOrderAndKinds(t *testing.T) {
	r := NewResult()
	r.AddGood("'%s' site exists", "S")
	r.AddAlert("Couldn't find application '%s'", "/a")
	r.AddGood("plain message")

	entries := r.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	want := []Entry{
		{Kind: KindGood, Message: "'S' site exists"},
		{Kind: KindAlert, Message: "Couldn't find application '/a'"},
		{Kind: KindGood, Message: "plain message"},
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestResultSuccessful(t *testing.T) {
	tests := []struct {
		name  string
		build func(r *Result)
		want  bool
	}{
		{name: "empty", build: func(r *Result) {}, want: true},
		{name: "alerts only", build: func(r *Result) { r.AddAlert("a"); r.AddAlert("b") }, want: true},
		{name: "good and alert", build: func(r *Result) { r.AddGood("g"); r.AddAlert("a") }, want: true},
		{name: "one failure", build: func(r *Result) { r.AddGood("g"); r.AddFailure("f") }, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResult()
			tt.build(r)
			if got := r.Successful(); got != tt.want {
				t.Errorf("Successful() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResultMessageWithoutArgsIsLiteral(t *testing.T) {
	var r Result
	r.AddGood("100% done")
	if got := r.Entries()[0].Message; got != "100% done" {
		t.Errorf("message = %q", got)
	}
}

func TestResultMerge(t *testing.T) {
	a := NewResult()
	a.AddGood("first")
	b := NewResult()
	b.AddFailure("second")

	a.Merge(b)
	a.Merge(nil)

	if a.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", a.Len())
	}
	if a.Successful() {
		t.Error("merged result with a failure should not be successful")
	}
	if a.Count(KindFailure) != 1 || a.Count(KindGood) != 1 {
		t.Errorf("unexpected counts: good=%d failure=%d", a.Count(KindGood), a.Count(KindFailure))
	}
}

func TestResultEntriesIsCopy(t *testing.T) {
	r := NewResult()
	r.AddGood("original")
	entries := r.Entries()
	entries[0].Message = "changed"
	if r.Entries()[0].Message != "original" {
		t.Error("Entries() must not expose internal storage")
	}
}

func TestResultJSON(t *testing.T) {
	r := NewResult()
	r.AddGood("ok")
	r.AddFailure("boom")

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"successful":false`) {
		t.Errorf("expected derived success flag in %s", data)
	}

	var decoded Result
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Len() != 2 || decoded.Successful() {
		t.Errorf("decoded result mismatch: %s", decoded.String())
	}
}

func TestResultString(t *testing.T) {
	r := NewResult()
	r.AddGood("one")
	r.AddAlert("two")
	want := "[good] one\n[alert] two"
	if got := r.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
