package kernel

import (
	"testing"

	"github.com/nishisan-dev/eventem-go/internal/decoder"
)

func TestVSTEM_AnnulusMembership(t *testing.T) {
	images := NewImageSet(4, 4, false)
	k := &VSTEM{Images: images, InRadiusSqr: 1, OutRadiusSqr: 8, XOffset: 2, YOffset: 2}

	// d2 = 0: excluded (not > in_radius_sqr).
	k.Observe(decoder.Event{KX: 2, KY: 2, ProbePosition: 0})
	// d2 = 2: included (1 < 2 <= 8).
	k.Observe(decoder.Event{KX: 1, KY: 1, ProbePosition: 1})
	// d2 = 9: excluded (> 8).
	k.Observe(decoder.Event{KX: 5, KY: 2, ProbePosition: 2})

	img := images.Image(0)
	if img[0] != 0 {
		t.Fatalf("expected probe position 0 untouched, got %d", img[0])
	}
	if img[1] != 1 {
		t.Fatalf("expected probe position 1 to count one hit, got %d", img[1])
	}
	if img[2] != 0 {
		t.Fatalf("expected probe position 2 untouched, got %d", img[2])
	}
}

func TestImageSet_CumulativeSharesImageZero(t *testing.T) {
	images := NewImageSet(2, 2, true)
	images.Add(0, 0, 1)
	images.Add(5, 0, 1)
	img := images.Image(3)
	if img[0] != 2 {
		t.Fatalf("expected cumulative mode to fold every image into slot 0, got %d", img[0])
	}
}

func TestCOM_DoubleBufferAndFinalize(t *testing.T) {
	c := NewCOM(2, 2)
	c.Observe(decoder.Event{ImageIndex: 0, ProbePosition: 0, KX: 4, KY: 2})
	c.Observe(decoder.Event{ImageIndex: 0, ProbePosition: 0, KX: 2, KY: 6})
	c.Observe(decoder.Event{ImageIndex: 1, ProbePosition: 0, KX: 100, KY: 100})

	u := make([]float64, 4)
	v := make([]float64, 4)
	comX, comY := c.Finalize(0, u, v)
	if comX[0] != 3 {
		t.Fatalf("expected com_x = (4+2)/2 = 3, got %v", comX[0])
	}
	if comY[0] != 4 {
		t.Fatalf("expected com_y = (2+6)/2 = 4, got %v", comY[0])
	}

	// Buffer 0 reset; buffer 1 (image_index 1) must be untouched by the reset.
	comX2, comY2 := c.Finalize(1, u, v)
	if comX2[0] != 100 || comY2[0] != 100 {
		t.Fatalf("expected image 1's buffer to hold its own accumulation, got (%v,%v)", comX2[0], comY2[0])
	}
}

func TestROI_CropAndYFlip(t *testing.T) {
	// nx=4; rect covers x in [1,3), y in (0,2].
	rect := ROIRect{LowerLeft: [2]int{1, 0}, UpperRight: [2]int{3, 2}}
	roi := NewROI(4, 4, rect, false)

	// probe_position 5: x = 5%4 = 1, y = 4 - 5/4 = 4-1 = 3 -> y=3 > upper_right[1]=2, excluded.
	roi.Observe(decoder.Event{ProbePosition: 5, KX: 0, KY: 0, ImageIndex: 0})
	// probe_position 1: x = 1, y = 4 - 0 = 4 -> excluded (y>2).
	roi.Observe(decoder.Event{ProbePosition: 1, KX: 0, KY: 0, ImageIndex: 0})
	// probe_position 9: x = 9%4=1, y = 4-9/4 = 4-2=2 -> y=2 satisfies 0<y<=2, x=1 satisfies 1<=x<3: included.
	roi.Observe(decoder.Event{ProbePosition: 9, KX: 2, KY: 3, ImageIndex: 0})

	diff, scan := roi.Totals()
	if diff[2*4+3] != 1 {
		t.Fatalf("expected one hit at diffraction (2,3), got %d", diff[2*4+3])
	}
	total := uint64(0)
	for _, v := range scan {
		total += v
	}
	if total != 1 {
		t.Fatalf("expected exactly one scan-image hit to survive the crop, got %d", total)
	}
}

func TestROI_WeightByTOT(t *testing.T) {
	rect := ROIRect{LowerLeft: [2]int{0, 0}, UpperRight: [2]int{4, 4}}
	roi := NewROI(4, 2, rect, true)
	// probe_position 0: x=0,y=4-0=4; 0<4<=4 true, 0<=0<4 true: included.
	roi.Observe(decoder.Event{ProbePosition: 0, KX: 1, KY: 1, TOT: 7, ImageIndex: 0})
	diff, _ := roi.Totals()
	if diff[1*2+1] != 7 {
		t.Fatalf("expected diffraction bin weighted by TOT=7, got %d", diff[1*2+1])
	}
}

func TestChunkedCount_BinningAndChunkSelection(t *testing.T) {
	images := NewImageSet(2, 2, false)
	var increments []struct{ chunk, within, det int }
	sink := fourDSinkFunc(func(chunk, within, det int) {
		increments = append(increments, struct{ chunk, within, det int }{chunk, within, det})
	})
	k := &ChunkedCount{
		NX: 4, ScanBin: 2, DetBin: 2, NCam: 4,
		ChunkSizeScanBin: 1, NXScanBin: 2,
		Counts: images, Sink: sink,
	}
	// probe_position 5 -> xpp=1,ypp=1 -> bin (1/2)*2+(1/2) = 0*2+0 = 0.
	k.Observe(decoder.Event{ProbePosition: 5, KX: 3, KY: 1, ImageIndex: 0})

	img := images.Image(0)
	if img[0] != 1 {
		t.Fatalf("expected binned probe position 0 to count 1, got %d", img[0])
	}
	if len(increments) != 1 {
		t.Fatalf("expected 1 sink increment, got %d", len(increments))
	}
	if increments[0].det != 1*(4/2)+0 {
		t.Fatalf("expected det bin index %d, got %d", 1*(4/2)+0, increments[0].det)
	}
}

type fourDSinkFunc func(chunk, within, det int)

func (f fourDSinkFunc) Increment(chunk, within, det int) { f(chunk, within, det) }

func TestPACBED_SimulatedScenario(t *testing.T) {
	// 64x64 scan, 256x256 detector, 10 events per probe at a fixed (kx=17,
	// ky=41): PACBED must read 40960 (=4096 probes * 10) at (17,41) and
	// zero everywhere else.
	const nCam = 256
	const nProbes = 64 * 64
	const perProbe = 10
	k := NewPACBED(nCam)
	for pp := 0; pp < nProbes; pp++ {
		for i := 0; i < perProbe; i++ {
			k.Observe(decoder.Event{KX: 17, KY: 41, ProbePosition: uint64(pp)})
		}
	}
	data := k.Data()
	want := uint64(nProbes * perProbe)
	if got := data[17*nCam+41]; got != want {
		t.Fatalf("expected PACBED(17,41) = %d, got %d", want, got)
	}
	for i, v := range data {
		if i == 17*nCam+41 {
			continue
		}
		if v != 0 {
			t.Fatalf("expected PACBED(%d) = 0, got %d", i, v)
		}
	}
}

func TestROI4D_SimulatedTensorScenario(t *testing.T) {
	// 128x128 scan, 64x64 detector, ROI (16,16,32,32), det_bin=2. One event
	// per probe at fixed (kx=10, ky=10): every probe inside the 32x32 crop
	// must land in the same detector bin (5,5), and nowhere else.
	const nx = 128
	const nCam = 64
	const detBin = 2
	rect := ROIRect{LowerLeft: [2]int{16, 16}, UpperRight: [2]int{48, 48}}

	type inc struct{ chunk, within, det int }
	var got []inc
	sink := fourDSinkFunc(func(chunk, within, det int) {
		got = append(got, inc{chunk, within, det})
	})
	k := NewROI4D(nx, nCam, detBin, rect, sink)

	seen := make(map[int]bool)
	for y := rect.LowerLeft[1] + 1; y <= rect.UpperRight[1]; y++ {
		for x := rect.LowerLeft[0]; x < rect.UpperRight[0]; x++ {
			pp := uint64((nx-y)*nx + x)
			k.Observe(decoder.Event{KX: 10, KY: 10, ProbePosition: pp})
		}
	}

	wantDetBin := 5*(nCam/detBin) + 5
	wantCount := rect.L0() * rect.L1()
	if len(got) != wantCount {
		t.Fatalf("expected %d sink increments, got %d", wantCount, len(got))
	}
	for _, c := range got {
		if c.det != wantDetBin {
			t.Fatalf("expected det bin %d, got %d", wantDetBin, c.det)
		}
		if c.within < 0 || c.within >= wantCount {
			t.Fatalf("within index %d out of tensor range [0,%d)", c.within, wantCount)
		}
		if seen[c.within] {
			t.Fatalf("within index %d hit more than once", c.within)
		}
		seen[c.within] = true
	}
	if len(seen) != wantCount {
		t.Fatalf("expected every one of the %d tensor scan cells to be hit exactly once, got %d", wantCount, len(seen))
	}

	diff, scan := k.diffractionTotal, k.scanImageTotal
	if diff[10*nCam+10] != uint64(wantCount) {
		t.Fatalf("expected diffraction(10,10) = %d, got %d", wantCount, diff[10*nCam+10])
	}
	total := uint64(0)
	for _, v := range scan {
		total += v
	}
	if total != uint64(wantCount) {
		t.Fatalf("expected scan image total = %d, got %d", wantCount, total)
	}
}

func TestMultiVSTEM_IndependentAnnuliWithInclusiveLowerBound(t *testing.T) {
	inner := NewImageSet(2, 2, false)
	outer := NewImageSet(2, 2, false)
	k := &MultiVSTEM{Detectors: []MultiVSTEMDetector{
		{InRadiusSqr: 0, OutRadiusSqr: 4, XOffset: 0, YOffset: 0, Images: inner},
		{InRadiusSqr: 4, OutRadiusSqr: 16, XOffset: 0, YOffset: 0, Images: outer},
	}}

	// d2 = 4: the inclusive lower bound means this hits BOTH rings (>=
	// in_radius_sqr on both), unlike VSTEM's exclusive (>) lower bound.
	k.Observe(decoder.Event{KX: 2, KY: 0, ProbePosition: 0})
	// d2 = 1: only the inner ring.
	k.Observe(decoder.Event{KX: 1, KY: 0, ProbePosition: 1})
	// d2 = 16: only the outer ring.
	k.Observe(decoder.Event{KX: 4, KY: 0, ProbePosition: 1})

	innerImg := inner.Image(0)
	outerImg := outer.Image(0)
	if innerImg[0] != 1 {
		t.Fatalf("expected inner ring to count the shared boundary hit, got %d", innerImg[0])
	}
	if outerImg[0] != 1 {
		t.Fatalf("expected outer ring to also count the shared boundary hit, got %d", outerImg[0])
	}
	if innerImg[1] != 1 {
		t.Fatalf("expected inner ring to count its own-only hit, got %d", innerImg[1])
	}
	if outerImg[1] != 1 {
		t.Fatalf("expected outer ring to count its own-only hit, got %d", outerImg[1])
	}
}

func TestMaskedVSTEM_WeightedLookupDropsZeroAndOutOfBounds(t *testing.T) {
	const nCam = 4
	mask := make([]uint64, nCam*nCam)
	mask[1*nCam+2] = 5 // weight 5 at (kx=1,ky=2)
	// mask[(3,3)] left 0: zero-weight events must be dropped.

	images := NewImageSet(2, 2, false)
	k := &MaskedVSTEM{Images: images, Mask: mask, NCam: nCam}

	k.Observe(decoder.Event{KX: 1, KY: 2, ProbePosition: 0})
	k.Observe(decoder.Event{KX: 3, KY: 3, ProbePosition: 0})  // zero weight, dropped
	k.Observe(decoder.Event{KX: 99, KY: 99, ProbePosition: 0}) // out of bounds, dropped

	img := images.Image(0)
	if img[0] != 5 {
		t.Fatalf("expected weighted accumulation of 5, got %d", img[0])
	}
}

func TestInformation_AccumulatesNegativeLog2Probability(t *testing.T) {
	prob := make([]float64, 4)
	prob[1*2+1] = 0.25
	k := NewInformation(2, 4, prob)
	k.Observe(decoder.Event{KX: 1, KY: 1, ProbePosition: 0})
	info, count := k.InfoImage()
	if count[0] != 1 {
		t.Fatalf("expected count 1, got %d", count[0])
	}
	if info[0] != 2 {
		t.Fatalf("expected -log2(0.25) = 2, got %v", info[0])
	}
}
