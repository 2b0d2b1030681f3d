package status

import (
	"encoding/json"
	"testing"
)

func TestCumulative(t *testing.T) {
	cases := []struct {
		name     string
		children []Status
		want     Status
	}{
		{"all passed", []Status{Passed, Passed}, Passed},
		{"one failed settles failed", []Status{Passed, Failed}, Failed},
		{"skipped counts as settled", []Status{Passed, Skipped}, Passed},
		{"skipped with failure", []Status{Skipped, Failed}, Failed},
		{"running only", []Status{Running}, Running},
		{"uploading behaves like running", []Status{Uploading, Passed}, Running},
		{"running with a failure", []Status{Running, Failed}, RunningWithFailures},
		{"cancelling is a failure signal", []Status{Running, Cancelling}, RunningWithFailures},
		{"cancelling alone", []Status{Cancelling}, RunningWithFailures},
		{"queued plus failed", []Status{Queued, Failed}, RunningWithFailures},
		{"queued plus passed", []Status{Queued, Passed}, Running},
		{"all queued", []Status{Queued, Queued}, Queued},
		{"queued plus running", []Status{Queued, Running}, Running},
		{"queued running failed", []Status{Queued, Running, Failed}, RunningWithFailures},
		{"uploading plus queued", []Status{Uploading, Queued}, Running},
		{"promoted is not settled", []Status{Promoted, Passed}, Queued},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Cumulative(tc.children)
			if got != tc.want {
				t.Errorf("Cumulative(%v) = %s, want %s", tc.children, got, tc.want)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	for s := Queued; s <= Cancelling; s++ {
		got, err := Parse(s.String())
		if err != nil {
			t.Fatalf("Parse(%s): %v", s, err)
		}
		if got != s {
			t.Errorf("Parse(%s) = %v", s, got)
		}
	}
	if _, err := Parse("BOGUS"); err == nil {
		t.Error("expected error for unknown status name")
	}
}

func TestTerminal(t *testing.T) {
	terminal := map[Status]bool{
		Passed: true, Failed: true, Promoted: true, Skipped: true,
	}
	for s := Queued; s <= Cancelling; s++ {
		if s.Terminal() != terminal[s] {
			t.Errorf("%s.Terminal() = %v", s, s.Terminal())
		}
	}
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(RunningWithFailures)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"RUNNING_WITH_FAILURES"` {
		t.Errorf("marshal: %s", b)
	}
	var s Status
	if err := json.Unmarshal([]byte(`"UPLOADING"`), &s); err != nil {
		t.Fatal(err)
	}
	if s != Uploading {
		t.Errorf("unmarshal: %v", s)
	}
}
