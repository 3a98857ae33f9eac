package entity

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"parse error", &ParseError{Line: 3, Err: errors.New("bad json")}, true},
		{"wrapped parse error", fmt.Errorf("step: %w", &ParseError{Line: 1}), true},
		{"meeting missing", ErrMeetingNotFound, true},
		{"unknown event", ErrUnknownEvent, true},
		{"fetch error", &FetchError{URL: "http://x", StatusCode: 503}, false},
		{"empty summary", ErrEmptySummary, false},
		{"marked", Permanent(errors.New("boom")), true},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := IsPermanent(tc.err); got != tc.want {
			t.Fatalf("%s: IsPermanent = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMeetingNotFoundIsNotFound(t *testing.T) {
	if !errors.Is(ErrMeetingNotFound, ErrNotFound) {
		t.Fatalf("expected ErrMeetingNotFound to match ErrNotFound")
	}
}

func TestFetchErrorMessage(t *testing.T) {
	err := &FetchError{URL: "http://x/t.jsonl", StatusCode: 404}
	if err.Error() != "fetch http://x/t.jsonl: unexpected status 404" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	cause := errors.New("dial tcp: refused")
	err = &FetchError{URL: "http://x", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected unwrap to cause")
	}
}

func TestRunStatusTerminal(t *testing.T) {
	if RunStatusRetrying.Terminal() || RunStatusRunning.Terminal() {
		t.Fatalf("non-terminal statuses reported terminal")
	}
	if !RunStatusCompleted.Terminal() || !RunStatusFailed.Terminal() {
		t.Fatalf("terminal statuses reported non-terminal")
	}
}
