package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	logs "github.com/danmuck/smplog"
)

// PhaseRecord holds the name and elapsed time of a completed phase.
type PhaseRecord struct {
	Name    string
	Elapsed time.Duration
	Err     bool
}

// PhaseTimer records per-phase timing for one checkpoint operation.
type PhaseTimer struct {
	phases    []PhaseRecord
	current   string
	startedAt time.Time
}

func (pt *PhaseTimer) Start(name string) {
	pt.current = name
	pt.startedAt = time.Now()
}

func (pt *PhaseTimer) Stop(errored bool) {
	if pt.current == "" {
		return
	}
	pt.phases = append(pt.phases, PhaseRecord{
		Name:    pt.current,
		Elapsed: time.Since(pt.startedAt),
		Err:     errored,
	})
	pt.current = ""
}

// Run times fn as a named phase.
func (pt *PhaseTimer) Run(name string, fn func() error) error {
	pt.Start(name)
	err := fn()
	pt.Stop(err != nil)
	return err
}

func (pt *PhaseTimer) TotalElapsed() time.Duration {
	var elapsed time.Duration
	for _, phase := range pt.phases {
		elapsed += phase.Elapsed
	}
	if pt.current != "" {
		elapsed += time.Since(pt.startedAt)
	}
	return elapsed
}

func (pt *PhaseTimer) Phases() []PhaseRecord {
	return pt.phases
}

// OpSummary is what renderSummary prints after an operation.
type OpSummary struct {
	Operation string
	Target    string
	Tensors   int
	Bytes     uint64
	Timer     PhaseTimer
	Err       error
}

// countingWriter counts bytes passed through to dst.
type countingWriter struct {
	dst     io.Writer
	written atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.dst.Write(p)
	if n > 0 {
		cw.written.Add(uint64(n))
	}
	return n, err
}

func (cw *countingWriter) Written() uint64 {
	return cw.written.Load()
}

func renderSummary(s OpSummary) {
	status := "OK"
	if s.Err != nil {
		status = fmt.Sprintf("FAILED: %v", s.Err)
	}
	totalElapsed := s.Timer.TotalElapsed()

	logs.Titlef("\n--- %s summary: %s [%s] ---\n", s.Operation, s.Target, status)
	if s.Tensors > 0 {
		logs.Dataf("  %-20s %d\n", "tensors", s.Tensors)
	}
	if s.Bytes > 0 {
		logs.Dataf("  %-20s %s\n", "bytes", formatBytes(s.Bytes))
	}
	for _, ph := range s.Timer.Phases() {
		mark := ""
		if ph.Err {
			mark = " (failed)"
		}
		logs.Dataf("  %-20s %s%s\n", ph.Name, formatDuration(ph.Elapsed), mark)
	}
	logs.Dataf("  %-20s %s\n", "total", formatDuration(totalElapsed))
	if s.Bytes > 0 && totalElapsed.Seconds() > 0 {
		throughput := float64(s.Bytes) / totalElapsed.Seconds()
		logs.Dataf("  %-20s %s/s\n", "avg throughput", formatBytes(uint64(throughput)))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dus", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}
