package scan

import "testing"

func TestTimeDerived_Locate(t *testing.T) {
	g := Geometry{NX: 64, NY: 64, Rep: 2, DwellNs: 1000}
	td := TimeDerived{g}

	// probe_position_total 130 -> row = (130/64)%64 = 2, image 0.
	total, row, img := td.Locate(130 * 1000)
	if total != 130 {
		t.Fatalf("expected total 130, got %d", total)
	}
	if row != 2 {
		t.Fatalf("expected row 2, got %d", row)
	}
	if img != 0 {
		t.Fatalf("expected image 0, got %d", img)
	}

	// Crossing into the second image: total = nxy + 5.
	total2, _, img2 := td.Locate(uint64(g.NXY()+5) * 1000)
	if img2 != 1 {
		t.Fatalf("expected image 1 after crossing nxy, got %d", img2)
	}
	if total2 != uint64(g.NXY()+5) {
		t.Fatalf("unexpected total %d", total2)
	}
}

func TestPulseCounted_RowImageColumn(t *testing.T) {
	g := Geometry{NX: 128, NY: 128, Rep: 1, DwellNs: 500}
	pc := PulseCounted{g}

	if pc.Row(130) != 2 {
		t.Fatalf("expected row 2, got %d", pc.Row(130))
	}
	if pc.ImageIndex(130) != 1 {
		t.Fatalf("expected image 1, got %d", pc.ImageIndex(130))
	}
	col := pc.Column(2000+64*10, 2000, 10)
	if col != 64 {
		t.Fatalf("expected column 64, got %d", col)
	}
}

func TestPatternIndexed_Locate(t *testing.T) {
	g := Geometry{NX: 2, NY: 2, Rep: 2, DwellNs: 0}
	pattern := []uint64{3, 2, 1, 0}
	pi := PatternIndexed{Geometry: g, Pattern: pattern}

	pos, img := pi.Locate(0)
	if pos != 3 || img != 0 {
		t.Fatalf("expected (3,0), got (%d,%d)", pos, img)
	}
	pos, img = pi.Locate(4)
	if pos != 3 || img != 1 {
		t.Fatalf("expected (3,1) after wrap, got (%d,%d)", pos, img)
	}
	pos, img = pi.Locate(5)
	if pos != 2 || img != 1 {
		t.Fatalf("expected (2,1), got (%d,%d)", pos, img)
	}
}
