// Package decluster implements the secondary declustering pass: events
// staged by the DeclusterBufferWriter kernel are grouped into a rolling set
// of 128 staging buffers, each linearly scanned for spatially- and
// temporally-adjacent hits belonging to the same physical electron, and
// only the first hit of every cluster is kept and written out.
package decluster

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/eventem-go/internal/electronfile"
	"github.com/nishisan-dev/eventem-go/internal/kernel"
)

// NBuffer is the number of rolling staging buffers, matching the detector
// firmware's fixed buffer ring.
const NBuffer = 128

// Event is one staged hit awaiting the clustering scan.
type Event struct {
	KX, KY, RX, RY, ImageIndex uint16
	TOA                        uint64
	TOT                        uint16
}

// Config is the static declustering parameters for one run.
type Config struct {
	DTime        uint64 // max TOA difference within a cluster
	DSpace       uint16 // max |kx| and |ky| difference within a cluster
	ClusterRange int    // forward scan window, in staged-event count
	XCrop, YCrop int
	ScanBin      int
	DetBin       int
	MaxClusterSize int // histogram length; clusters at or above this are not counted
}

// Declusterer stages events into rolling buffers, clusters each buffer once
// it is marked filled, and writes the surviving (first-of-cluster) hits to
// an electron file.
type Declusterer struct {
	cfg Config
	w   *electronfile.Writer

	mu             sync.Mutex
	buffers        [NBuffer][]Event
	bufferIDFilling int

	nBufferFilled      atomic.Int64
	nBufferDeclustered atomic.Int64
	nBufferWritten     atomic.Int64

	keepMu sync.Mutex
	keep   [NBuffer][]int

	histMu    sync.Mutex
	histogram []int64

	nElectronsKept atomic.Int64
	stillReading   atomic.Bool
}

// New constructs a Declusterer that writes surviving hits to w.
func New(cfg Config, w *electronfile.Writer) *Declusterer {
	d := &Declusterer{cfg: cfg, w: w, histogram: make([]int64, cfg.MaxClusterSize)}
	d.stillReading.Store(true)
	return d
}

// Stage implements kernel.DeclusterSink: it appends ev to the buffer
// currently being filled.
func (d *Declusterer) Stage(ev kernel.DeclusterEvent) {
	d.mu.Lock()
	id := d.bufferIDFilling
	d.buffers[id] = append(d.buffers[id], Event{
		KX: ev.KX, KY: ev.KY, RX: ev.RX, RY: ev.RY,
		ImageIndex: ev.ImageIndex, TOA: ev.TOA, TOT: ev.TOT,
	})
	d.mu.Unlock()
}

// SetBufferRead closes out the buffer currently being filled and advances
// to the next one, blocking (busy-sleep) if the ring has lapped the writer
// by a full NBuffer without it catching up.
func (d *Declusterer) SetBufferRead() {
	filled := d.nBufferFilled.Add(1)
	d.mu.Lock()
	d.bufferIDFilling = int(filled) % NBuffer
	d.mu.Unlock()

	for filled-d.nBufferWritten.Load() >= NBuffer {
		time.Sleep(10 * time.Microsecond)
	}
}

// StillReading reports whether the upstream decoder may still stage more
// events. Clear it once the run's transport has been fully drained.
func (d *Declusterer) StillReading() bool { return d.stillReading.Load() }

// SetStillReading sets the still-reading flag; the run loop clears it once
// decoding is complete so the declustering/writing drain can terminate.
func (d *Declusterer) SetStillReading(v bool) { d.stillReading.Store(v) }

// RunDeclusterOnce processes the oldest buffer that has been filled but not
// yet declustered, and reports whether there was one. Call this repeatedly from a dedicated goroutine (or inline,
// for deterministic tests) until it returns false and StillReading is
// false, at which point declustering is complete.
func (d *Declusterer) RunDeclusterOnce() bool {
	declustered := d.nBufferDeclustered.Load()
	filled := d.nBufferFilled.Load()
	if declustered >= filled {
		return false
	}
	id := int(declustered) % NBuffer
	d.decluster(id)
	d.nBufferDeclustered.Add(1)
	return true
}

// RunWriteOnce writes out the oldest buffer that has been declustered but
// not yet flushed to the electron file, and reports whether there was one.
func (d *Declusterer) RunWriteOnce() bool {
	written := d.nBufferWritten.Load()
	declustered := d.nBufferDeclustered.Load()
	if written >= declustered {
		return false
	}
	id := int(written) % NBuffer
	d.writeToFile(id)
	d.mu.Lock()
	d.buffers[id] = d.buffers[id][:0]
	d.mu.Unlock()
	d.nBufferWritten.Add(1)
	return true
}

// Drain runs decluster/write passes until every staged buffer has been
// declustered and written, suitable for tests and for a final run-teardown
// flush. It returns as soon as no filled buffer is left to decluster and
// no declustered buffer is left to write; it does not wait for
// StillReading to be cleared.
func (d *Declusterer) Drain() {
	for d.StillReading() || d.nBufferDeclustered.Load() < d.nBufferFilled.Load() {
		if !d.RunDeclusterOnce() {
			break
		}
	}
	for d.nBufferWritten.Load() < d.nBufferDeclustered.Load() {
		if !d.RunWriteOnce() {
			break
		}
	}
}

// ClusterSizeHistogram returns a copy of the accumulated cluster-size
// histogram, indexed by cluster size.
func (d *Declusterer) ClusterSizeHistogram() []int64 {
	d.histMu.Lock()
	defer d.histMu.Unlock()
	out := make([]int64, len(d.histogram))
	copy(out, d.histogram)
	return out
}

// ElectronsKept returns the total number of surviving (first-of-cluster)
// hits across every buffer declustered so far.
func (d *Declusterer) ElectronsKept() int64 { return d.nElectronsKept.Load() }

func absDiffU16(a, b uint16) uint16 {
	if a > b {
		return a - b
	}
	return b - a
}

func absDiffU64(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// decluster scans buffer id with a forward window of cluster_range events:
// every unvisited event starts a new cluster, absorbing every later
// unvisited event within the window that is within dspace of it in both kx
// and ky and within dtime of it in toa. Only the cluster's first event is
// kept.
func (d *Declusterer) decluster(id int) {
	d.mu.Lock()
	buf := d.buffers[id]
	d.mu.Unlock()

	n := len(buf)
	used := make([]bool, n)
	var lclKeep []int
	clusterSize := 1

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		upper := i + d.cfg.ClusterRange
		if upper > n {
			upper = n
		}
		for j := i + 1; j < upper; j++ {
			if used[j] {
				continue
			}
			if absDiffU16(buf[i].KX, buf[j].KX) <= d.cfg.DSpace &&
				absDiffU16(buf[i].KY, buf[j].KY) <= d.cfg.DSpace &&
				absDiffU64(buf[i].TOA, buf[j].TOA) <= d.cfg.DTime {
				used[j] = true
				clusterSize++
			}
		}
		if clusterSize < d.cfg.MaxClusterSize {
			d.histMu.Lock()
			d.histogram[clusterSize]++
			d.histMu.Unlock()
		}
		clusterSize = 1
		lclKeep = append(lclKeep, i)
		used[i] = true
	}

	d.nElectronsKept.Add(int64(len(lclKeep)))
	d.keepMu.Lock()
	d.keep[id] = lclKeep
	d.keepMu.Unlock()
}

func (d *Declusterer) writeToFile(id int) {
	d.mu.Lock()
	buf := d.buffers[id]
	d.mu.Unlock()
	d.keepMu.Lock()
	keep := d.keep[id]
	d.keepMu.Unlock()

	for _, i := range keep {
		ev := buf[i]
		rx := ev.RX / uint16(d.cfg.ScanBin)
		ry := ev.RY / uint16(d.cfg.ScanBin)
		if int(rx) >= d.cfg.XCrop/d.cfg.ScanBin || int(ry) >= d.cfg.YCrop/d.cfg.ScanBin {
			continue
		}
		d.w.Write(electronfile.Record{
			KX:         ev.KX / uint16(d.cfg.DetBin),
			KY:         ev.KY / uint16(d.cfg.DetBin),
			RX:         rx,
			RY:         ry,
			ImageIndex: ev.ImageIndex,
		})
	}
}
