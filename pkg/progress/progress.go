// Package progress implements the invocation surface's progress
// protocol: the literal "xferPids", "__bpc_progress_state__
// <label>", and "__bpc_progress_fileCnt__ <i>/<n>" lines, behind a Sink
// interface tests can swap for a capture.
package progress

import (
	"fmt"
	"io"
)

// Sink receives progress events. Implementations must be safe to call
// from a single maintenance pass's goroutines (bounded parallelism may
// report progress from more than one worker).
type Sink interface {
	Start(pid int)
	Stop()
	State(label string)
	FileCount(i, n int)
}

// stdoutSink writes the literal protocol lines the progress protocol specifies.
type stdoutSink struct {
	w io.Writer
}

// NewStdout returns the default Sink, writing to w (typically os.Stdout).
func NewStdout(w io.Writer) Sink {
	return &stdoutSink{w: w}
}

func (s *stdoutSink) Start(pid int) {
	fmt.Fprintf(s.w, "xferPids %d\n", pid)
}

func (s *stdoutSink) Stop() {
	fmt.Fprintln(s.w, "xferPids")
}

func (s *stdoutSink) State(label string) {
	fmt.Fprintf(s.w, "__bpc_progress_state__ %s\n", label)
}

func (s *stdoutSink) FileCount(i, n int) {
	fmt.Fprintf(s.w, "__bpc_progress_fileCnt__ %d/%d\n", i, n)
}

// nullSink discards all progress events, used when -p suppresses progress
// output or in tests that don't care about it.
type nullSink struct{}

// NewNull returns a Sink that discards everything.
func NewNull() Sink { return nullSink{} }

func (nullSink) Start(int)          {}
func (nullSink) Stop()              {}
func (nullSink) State(string)       {}
func (nullSink) FileCount(int, int) {}

// Capture records events for test assertions.
type Capture struct {
	Started    bool
	Stopped    bool
	States     []string
	FileCounts [][2]int
}

// NewCapture returns a Sink backed by a fresh Capture.
func NewCapture() (*Capture, Sink) {
	c := &Capture{}
	return c, captureSink{c}
}

type captureSink struct{ c *Capture }

func (s captureSink) Start(int)    { s.c.Started = true }
func (s captureSink) Stop()        { s.c.Stopped = true }
func (s captureSink) State(label string) {
	s.c.States = append(s.c.States, label)
}
func (s captureSink) FileCount(i, n int) {
	s.c.FileCounts = append(s.c.FileCounts, [2]int{i, n})
}

var _ Sink = (*stdoutSink)(nil)
