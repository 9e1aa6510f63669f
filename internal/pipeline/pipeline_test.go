package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/nishisan-dev/eventem-go/internal/decoder/framebased"
	"github.com/nishisan-dev/eventem-go/internal/kernel"
	"github.com/nishisan-dev/eventem-go/internal/reduce"
	"github.com/nishisan-dev/eventem-go/internal/transport"
)

type constFrameSource struct {
	nCam int
	left int
}

func (s *constFrameSource) NextFrame(dst []uint32) error {
	if s.left <= 0 {
		return transport.ErrEndOfStream
	}
	s.left--
	for i := range dst {
		dst[i] = 0
	}
	dst[0] = 1
	return nil
}

func TestPipeline_RunDrivesReducerToCompletion(t *testing.T) {
	nx, ny := 4, 4
	src := &constFrameSource{nCam: 8, left: nx * ny}
	com := kernel.NewCOM(nx, ny)
	dec := framebased.New(framebased.Config{NCam: 8, NX: nx, NY: ny, Rep: 1}, src, com)

	reducerCfg := reduce.Config{NX: nx, NY: ny, Rep: 1, NCam: 8, KernelSize: 1, NThreads: 1}
	reducer := reduce.New(reducerCfg, com, nil)

	p := New(dec, reducer, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reducer.Stopped() {
		t.Fatal("expected the reducer to have reached Finish after the single repetition drained")
	}
}

func TestPipeline_QuitStopsRunEarly(t *testing.T) {
	nx, ny := 4, 4
	src := &constFrameSource{nCam: 8, left: 1000}
	com := kernel.NewCOM(nx, ny)
	dec := framebased.New(framebased.Config{NCam: 8, NX: nx, NY: ny, Rep: 1000}, src, com)
	reducer := reduce.New(reduce.Config{NX: nx, NY: ny, Rep: 1000, NCam: 8, KernelSize: 1, NThreads: 1}, com, nil)

	p := New(dec, reducer, nil, nil)
	p.Quit()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !p.Stopped() {
		t.Fatal("expected Stopped() to report true after Quit")
	}
}
