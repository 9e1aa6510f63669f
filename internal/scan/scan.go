// Package scan implements the three scan-synchronization policies that map
// a decoded time-of-arrival or trigger count onto (row, column, repetition)
// on the probe grid.
package scan

// Geometry is the immutable scan shape for the duration of a run.
type Geometry struct {
	NX, NY  int
	Rep     int
	DwellNs uint64
}

// NXY returns the number of probe positions in one image.
func (g Geometry) NXY() int { return g.NX * g.NY }

// TimeDerived implements the Cheetah/AdvaPix time-bounded policy:
// probe_position_total = toa / dwell; row = (probe_position_total / nx) % ny;
// image_index = probe_position_total / nxy.
type TimeDerived struct {
	Geometry
}

// Locate converts a TOA (in the same tick units as DwellNs) into the scan
// triple. It does not return a column; a caller that needs one derives it
// from probePositionTotal % NX.
func (t TimeDerived) Locate(toa uint64) (probePositionTotal uint64, row, imageIndex int) {
	total := toa / t.DwellNs
	nxy := uint64(t.NXY())
	row = int((total / uint64(t.NX)) % uint64(t.NY))
	imageIndex = int(total / nxy)
	return total, row, imageIndex
}

// PulseCounted implements the Cheetah policy driven by per-chip TDC rise/fall
// pulses: row = line_count % ny; column = (toa - line_rise) / dwell;
// image_index advances when the most-advanced chip crosses a ny boundary.
type PulseCounted struct {
	Geometry
}

// Column derives the probe column from a TOA relative to the line's rise
// time and the inferred dwell time for that line.
func (p PulseCounted) Column(toa, lineRise, dwell uint64) int {
	return int((toa - lineRise) / dwell)
}

// Row reduces an absolute per-chip line counter to a row within one image.
func (p PulseCounted) Row(lineCount int) int {
	return lineCount % p.NY
}

// ImageIndex derives which image a given absolute line counter belongs to.
func (p PulseCounted) ImageIndex(lineCount int) int {
	return lineCount / p.NY
}

// PatternIndexed implements the pattern-triggered policy: probe_position is
// looked up from a precomputed pattern table indexed by the count of TDC
// falling edges seen so far, modulo nxy; image_index = tdcCount / nxy.
type PatternIndexed struct {
	Geometry
	Pattern []uint64 // pattern[i] -> probe_position, length nxy
}

// Locate resolves the probe position and image index for the tdcCount-th
// falling edge (0-based).
func (p PatternIndexed) Locate(tdcCount uint64) (probePosition uint64, imageIndex int) {
	nxy := uint64(p.NXY())
	idx := tdcCount % nxy
	imageIndex = int(tdcCount / nxy)
	return p.Pattern[idx], imageIndex
}
