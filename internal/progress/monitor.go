// Package progress renders and exposes the reducer driver's live progress:
// the preprocessor/processor line handshake, frame rate, and elapsed-time
// observables a host application polls while a run is in flight.
package progress

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// QuitSentinel is the processor_line value signaling that the run has
// ended and every worker should stop.
const QuitSentinel = -1

// Monitor tracks the preprocessor/processor line handshake and renders a
// terminal progress line at ReportInterval, mirroring the decluster and
// reducer driver loops' busy-polled counters rather than a condition
// variable.
type Monitor struct {
	name string

	preprocessorLine atomic.Int64
	processorLine    atomic.Int64
	framesCounted    atomic.Int64
	framesInInterval atomic.Int64

	totalLines int64
	bBar       bool
	out        *os.File

	reportInterval time.Duration
	startTime      time.Time
	lastTick       time.Time

	done chan struct{}
}

// New constructs a Monitor for a run expected to advance through totalLines
// preprocessor lines (nx*ny*rep). reportInterval defaults to 250ms,
// matching ProgressMonitor's default.
func New(name string, totalLines int64, reportInterval time.Duration, bBar bool, out *os.File) *Monitor {
	if reportInterval <= 0 {
		reportInterval = 250 * time.Millisecond
	}
	if out == nil {
		out = os.Stderr
	}
	m := &Monitor{
		name:           name,
		totalLines:     totalLines,
		bBar:           bBar,
		out:            out,
		reportInterval: reportInterval,
		startTime:      time.Now(),
		lastTick:       time.Now(),
		done:           make(chan struct{}),
	}
	return m
}

// Start begins the periodic render loop in its own goroutine.
func (m *Monitor) Start() {
	go m.renderLoop()
}

// Stop ends the render loop and prints a final line.
func (m *Monitor) Stop() {
	close(m.done)
	m.render(true)
}

// SetPreprocessorLine records the preprocessor's current line (the
// decoder's most advanced fully-scanned line), the *p_preprocessor_line
// handshake value.
func (m *Monitor) SetPreprocessorLine(line int64) {
	m.preprocessorLine.Store(line)
}

// SetProcessorLine records the reducer's current line. Setting it to
// QuitSentinel signals run completion to every busy-polling worker.
func (m *Monitor) SetProcessorLine(line int64) {
	m.processorLine.Store(line)
}

// ProcessorLine returns the current processor line; callers busy-poll this
// to detect QuitSentinel.
func (m *Monitor) ProcessorLine() int64 { return m.processorLine.Load() }

// PreprocessorLine returns the current preprocessor line.
func (m *Monitor) PreprocessorLine() int64 { return m.preprocessorLine.Load() }

// CountFrame records one more frame (image) fully reduced, feeding the
// frame-rate observable.
func (m *Monitor) CountFrame() {
	m.framesCounted.Add(1)
	m.framesInInterval.Add(1)
}

// FramesCounted returns the total number of frames counted so far.
func (m *Monitor) FramesCounted() int64 { return m.framesCounted.Load() }

// ProgressPercent returns the run's completion fraction in [0, 100],
// derived from preprocessor_line / total_lines.
func (m *Monitor) ProgressPercent() float64 {
	if m.totalLines <= 0 {
		return 0
	}
	pct := float64(m.preprocessorLine.Load()) / float64(m.totalLines) * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// ElapsedSeconds returns the time since the monitor started.
func (m *Monitor) ElapsedSeconds() float64 {
	return time.Since(m.startTime).Seconds()
}

func (m *Monitor) renderLoop() {
	ticker := time.NewTicker(m.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.render(false)
		}
	}
}

func (m *Monitor) render(final bool) {
	now := time.Now()
	intervalSec := now.Sub(m.lastTick).Seconds()
	framesInInterval := m.framesInInterval.Swap(0)
	m.lastTick = now

	var freq float64
	if intervalSec > 0 {
		freq = float64(framesInInterval) / intervalSec
	}

	pct := m.ProgressPercent()
	elapsed := time.Since(m.startTime).Round(time.Second)

	var bar string
	if m.bBar {
		const width = 30
		filled := int(pct / 100 * width)
		if filled > width {
			filled = width
		}
		bar = "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "] "
	}

	line := fmt.Sprintf("\r%s%s%6.2f%%  line %d/%d  %.1f fr/s  elapsed %s",
		m.name+" ", bar, pct, m.preprocessorLine.Load(), m.totalLines, freq, elapsed)

	if len(line) < 120 {
		line += strings.Repeat(" ", 120-len(line))
	}
	if final {
		fmt.Fprintf(m.out, "%s\n", line)
	} else {
		fmt.Fprint(m.out, line)
	}
}
