package main

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestPhaseTimerRecordsPhases(t *testing.T) {
	var pt PhaseTimer
	if err := pt.Run("first", func() error { time.Sleep(time.Millisecond); return nil }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	boom := errors.New("boom")
	if err := pt.Run("second", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Run should pass the error through, got %v", err)
	}
	pt.Stop(false) // no phase open

	phases := pt.Phases()
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}
	if phases[0].Name != "first" || phases[0].Err || phases[0].Elapsed < time.Millisecond {
		t.Fatalf("unexpected first phase: %+v", phases[0])
	}
	if phases[1].Name != "second" || !phases[1].Err {
		t.Fatalf("unexpected second phase: %+v", phases[1])
	}
	if pt.TotalElapsed() < phases[0].Elapsed {
		t.Fatalf("total %v below first phase %v", pt.TotalElapsed(), phases[0].Elapsed)
	}
}

func TestCountingWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := &countingWriter{dst: &buf}
	for _, chunk := range []string{"abc", "", "defg"} {
		if _, err := cw.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if cw.Written() != 7 || buf.String() != "abcdefg" {
		t.Fatalf("got %d bytes %q", cw.Written(), buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		500 * time.Microsecond:  "500us",
		42 * time.Millisecond:   "42ms",
		1500 * time.Millisecond: "1.500s",
	}
	for in, want := range cases {
		if got := formatDuration(in); got != want {
			t.Fatalf("formatDuration(%v) = %q, want %q", in, got, want)
		}
	}
}
