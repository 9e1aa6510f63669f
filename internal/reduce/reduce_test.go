package reduce

import (
	"testing"

	"github.com/nishisan-dev/eventem-go/internal/decoder"
	"github.com/nishisan-dev/eventem-go/internal/kernel"
)

func TestKernel_ComputeSizesAndZeroCenter(t *testing.T) {
	k := Kernel{Size: 2}
	k.Compute()
	if k.Width != 5 || k.Area != 25 {
		t.Fatalf("expected width=5 area=25, got width=%d area=%d", k.Width, k.Area)
	}
	center := k.Area / 2
	if k.X[center] != 0 || k.Y[center] != 0 {
		t.Fatalf("expected zero weight at the kernel center, got (%v, %v)", k.X[center], k.Y[center])
	}
}

func TestReducer_AdvanceLineAccumulatesAfterDelay(t *testing.T) {
	nx, ny := 8, 8
	com := kernel.NewCOM(nx, ny)
	cfg := Config{NX: nx, NY: ny, Rep: 1, NCam: 256, KernelSize: 1, NThreads: 1}
	r := New(cfg, com, nil)

	for line := 0; line < ny; line++ {
		for col := 0; col < nx; col++ {
			pp := uint64(line*nx + col)
			com.Observe(decoder.Event{ImageIndex: 0, ProbePosition: pp, KX: uint16(col), KY: uint16(line)})
		}
		r.AdvanceLine(line)
	}

	img := r.RicomImageStack(0)
	if len(img) != nx*ny {
		t.Fatalf("expected image of length %d, got %d", nx*ny, len(img))
	}
	// A uniformly increasing COM field produces a non-trivial gradient away
	// from the top/bottom border rows the kernel never reaches.
	nonZero := false
	for _, v := range img {
		if v != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Fatal("expected at least one non-zero reconstructed pixel")
	}
}

func TestReducer_FinishMarksStoppedAfterLastRepetition(t *testing.T) {
	nx, ny := 4, 4
	com := kernel.NewCOM(nx, ny)
	cfg := Config{NX: nx, NY: ny, Rep: 1, KernelSize: 1, NThreads: 2}
	r := New(cfg, com, nil)
	for line := 0; line < ny; line++ {
		r.AdvanceLine(line)
	}
	if !r.Stopped() {
		t.Fatal("expected the reducer to signal completion after the single repetition's last line")
	}
}
