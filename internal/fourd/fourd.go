// Package fourd implements the 4D (scan-x, scan-y, det-x, det-y) chunk
// writer: it double-buffers a detector-binned tensor by chunk parity so a
// chunk can be compressed and flushed to storage while the decoder fills
// the next one.
package fourd

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

// Sink receives one compressed chunk hyperslab at a time, plus the dataset
// shape recorded once at open. A production build would back this with an
// HDF5 cgo binding; this package ships an in-repo stub sink (MemorySink)
// exercising the same interface.
type Sink interface {
	WriteShape(shape [4]int) error
	WriteHyperslab(seq int, offsetRows int64, data []byte) error
	Close() error
}

// BitDepth is the per-element width a ChunkWriter encodes counts at,
// grounded on Timepix.hpp's count_chunked_8/16/32 trio — here it is a
// property of the writer rather than three near-duplicate kernels.
type BitDepth int

const (
	BitDepth8  BitDepth = 8
	BitDepth16 BitDepth = 16
	BitDepth32 BitDepth = 32
)

// Config describes one ChunkWriter's shape and encoding.
type Config struct {
	NXScanBin        int // nx/scan_bin
	ChunkSizeScanBin int // chunk size, in binned scan rows
	DetBin           int
	NCam             int
	BitDepth         BitDepth
	DeflateLevel     int // 1..9, 0 disables compression
}

// ChunkWriter implements kernel.FourDSink: it accepts one detector-bin
// increment at a time, keyed by (chunkID, withinChunkScanBin, detBinIndex),
// and flushes a completed chunk as soon as the caller moves on to the other
// parity slot, using a double buffer plus a per-buffer mutex
// (chunk[0]/chunk[1], mtx[0]/mtx[1]).
type ChunkWriter struct {
	cfg  Config
	sink Sink

	detBins     int
	rowStride   int // detBins*detBins, elements per scan row
	chunkElems  int // ChunkSizeScanBin*NXScanBin*rowStride
	bytesPerVal int

	mtx   [2]sync.Mutex
	chunk [2][]uint32

	lastChunkID atomic.Int32 // -1 until the first Increment
	flushedSeq  atomic.Int64

	encoder *zstd.Encoder

	mu       sync.Mutex
	onError  func(error)
	shapeSet bool
}

// New constructs a ChunkWriter and writes the dataset's shape metadata to
// sink immediately, as the original writes it once at file open.
func New(cfg Config, sink Sink, onError func(error)) (*ChunkWriter, error) {
	detBins := cfg.NCam / cfg.DetBin
	if detBins < 1 {
		detBins = 1
	}
	rowStride := detBins * detBins
	chunkElems := cfg.ChunkSizeScanBin * cfg.NXScanBin * rowStride

	var bytesPerVal int
	switch cfg.BitDepth {
	case BitDepth8:
		bytesPerVal = 1
	case BitDepth16:
		bytesPerVal = 2
	default:
		bytesPerVal = 4
	}

	w := &ChunkWriter{
		cfg:         cfg,
		sink:        sink,
		detBins:     detBins,
		rowStride:   rowStride,
		chunkElems:  chunkElems,
		bytesPerVal: bytesPerVal,
		onError:     onError,
	}
	w.lastChunkID.Store(-1)
	w.chunk[0] = make([]uint32, chunkElems)
	w.chunk[1] = make([]uint32, chunkElems)

	if cfg.DeflateLevel > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(deflateToZstdLevel(cfg.DeflateLevel)))
		if err != nil {
			return nil, fmt.Errorf("fourd: new zstd encoder: %w", err)
		}
		w.encoder = enc
	}

	if err := sink.WriteShape([4]int{cfg.NXScanBin, cfg.ChunkSizeScanBin, detBins, detBins}); err != nil {
		return nil, fmt.Errorf("fourd: write shape: %w", err)
	}
	w.shapeSet = true
	return w, nil
}

// Increment implements kernel.FourDSink. chunkID is the decoder's
// double-buffer parity bit (0 or 1); the first time it flips from the
// previously-seen value, the writer takes that as "the other buffer just
// completed" and flushes it.
func (w *ChunkWriter) Increment(chunkID int, withinChunkScanBin int, detBinIndex int) {
	prev := w.lastChunkID.Swap(int32(chunkID))
	if prev != -1 && int(prev) != chunkID {
		w.flushAsync(int(prev))
	}

	idx := withinChunkScanBin*w.rowStride + detBinIndex
	if idx < 0 || idx >= w.chunkElems {
		return
	}
	buf := chunkID & 1
	w.mtx[buf].Lock()
	w.chunk[buf][idx]++
	w.mtx[buf].Unlock()
}

// flushAsync compresses and writes buf's current contents, then zeroes it
// for reuse, in a background goroutine.
func (w *ChunkWriter) flushAsync(buf int) {
	go w.flush(buf & 1)
}

func (w *ChunkWriter) flush(buf int) {
	w.mtx[buf].Lock()
	payload := w.encodeLocked(w.chunk[buf])
	for i := range w.chunk[buf] {
		w.chunk[buf][i] = 0
	}
	w.mtx[buf].Unlock()

	seq := w.flushedSeq.Add(1) - 1
	offsetRows := seq * int64(w.cfg.ChunkSizeScanBin)
	if err := w.sink.WriteHyperslab(int(seq), offsetRows, payload); err != nil && w.onError != nil {
		w.onError(fmt.Errorf("fourd: write hyperslab %d: %w", seq, err))
	}
}

// Flush forces both buffers to storage; call once at run end after the
// decoder stops feeding Increment.
func (w *ChunkWriter) Flush() {
	w.flush(0)
	w.flush(1)
}

// Close flushes any remaining data and closes the underlying sink.
func (w *ChunkWriter) Close() error {
	w.Flush()
	if w.encoder != nil {
		w.encoder.Close()
	}
	return w.sink.Close()
}

// deflateToZstdLevel maps the HDF5-style 1..9 deflate knob configuration
// exposes onto zstd's four speed/ratio tiers.
func deflateToZstdLevel(deflate int) zstd.EncoderLevel {
	switch {
	case deflate <= 2:
		return zstd.SpeedFastest
	case deflate <= 5:
		return zstd.SpeedDefault
	case deflate <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (w *ChunkWriter) encodeLocked(counts []uint32) []byte {
	raw := make([]byte, len(counts)*w.bytesPerVal)
	for i, v := range counts {
		switch w.bytesPerVal {
		case 1:
			if v > 0xFF {
				v = 0xFF
			}
			raw[i] = byte(v)
		case 2:
			if v > 0xFFFF {
				v = 0xFFFF
			}
			raw[2*i] = byte(v)
			raw[2*i+1] = byte(v >> 8)
		default:
			raw[4*i] = byte(v)
			raw[4*i+1] = byte(v >> 8)
			raw[4*i+2] = byte(v >> 16)
			raw[4*i+3] = byte(v >> 24)
		}
	}
	if w.encoder == nil {
		return raw
	}
	return w.encoder.EncodeAll(raw, nil)
}
