// Package pipeline wires a decoder, reducer, and progress monitor together
// into one run, and schedules repeated replay runs on cron schedules.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nishisan-dev/eventem-go/internal/decoder"
	"github.com/nishisan-dev/eventem-go/internal/progress"
	"github.com/nishisan-dev/eventem-go/internal/reduce"
	"github.com/nishisan-dev/eventem-go/internal/transport"
)

// Pipeline drives one acquisition or replay run end to end: it pumps the
// decoder one chunk at a time, advances the reducer for every scan line the
// decoder has finished since the last poll, and tears everything down on
// end-of-stream, repetition completion, external Quit, or ctx cancellation.
type Pipeline struct {
	dec     decoder.Decoder
	reducer *reduce.Reducer
	mon     *progress.Monitor
	logger  *slog.Logger

	rcQuit   atomic.Bool
	lastLine int
}

// New constructs a Pipeline. mon and logger may be nil.
func New(dec decoder.Decoder, reducer *reduce.Reducer, mon *progress.Monitor, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{dec: dec, reducer: reducer, mon: mon, logger: logger}
}

// Quit requests the pipeline stop at the next safe point, the rc_quit
// handshake a line-processing driver checks between scan lines.
func (p *Pipeline) Quit() { p.rcQuit.Store(true) }

// Stopped reports whether Quit has been requested.
func (p *Pipeline) Stopped() bool { return p.rcQuit.Load() }

// Run pumps the decoder and drives the reducer until end of stream,
// repetition completion, ctx cancellation, or Quit.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.mon != nil {
		p.mon.Start()
		defer p.mon.Stop()
	}

	for !p.rcQuit.Load() {
		if err := ctx.Err(); err != nil {
			p.rcQuit.Store(true)
			break
		}

		err := p.dec.ReadAndDecodeOneChunk(ctx)
		if errors.Is(err, transport.ErrEndOfStream) {
			if derr := p.dec.Drain(); derr != nil {
				p.logger.Warn("drain after end of stream", "error", derr)
			}
			p.advance()
			break
		}
		if err != nil {
			return fmt.Errorf("pipeline: decode chunk: %w", err)
		}

		p.advance()

		if rr, ok := p.dec.(decoder.ReachedRepetitions); ok && rr.ReachedRepetitions() {
			break
		}
	}

	p.reducer.Finish()
	return nil
}

// advance drives the reducer for every newly completed line since the last
// call, polling the decoder's LineProgress the same way a preprocessor_line
// counter is polled against fr_count.
func (p *Pipeline) advance() {
	lp, ok := p.dec.(decoder.LineProgress)
	if !ok {
		return
	}
	for line := lp.CurrentLine(); p.lastLine < line; p.lastLine++ {
		p.reducer.AdvanceLine(p.lastLine)
		if p.mon != nil {
			p.mon.SetPreprocessorLine(int64(p.lastLine + 1))
		}
	}
}

// RunUntilSignal runs p until it finishes naturally or the process receives
// SIGTERM/SIGINT. Unlike a long-lived daemon, there is no SIGHUP config
// reload here, since one Pipeline serves exactly one run.
func RunUntilSignal(ctx context.Context, p *Pipeline) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case sig := <-sigCh:
		p.logger.Info("received signal, stopping pipeline", "signal", sig)
		p.Quit()
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(30 * time.Second):
			return fmt.Errorf("pipeline: shutdown timed out after signal %s", sig)
		}
	}
}
