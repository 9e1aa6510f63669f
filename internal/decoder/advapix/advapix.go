// Package advapix decodes the AdvaPix wire format: a single 256x256 chip
// that, unlike Cheetah, reports an externally supplied dwell time rather
// than deriving it from TDC line pulses. Scan position follows directly
// from time-of-arrival with no per-chip line bookkeeping and no 48-bit
// overflow correction, because AdvaPix's TOA field never wraps within one
// acquisition.
package advapix

import (
	"context"

	"github.com/nishisan-dev/eventem-go/internal/decoder"
	"github.com/nishisan-dev/eventem-go/internal/ring"
	"github.com/nishisan-dev/eventem-go/internal/transport"
)

// RecordSize is the wire size in bytes of one AdvaPix pixel record:
// index(4) + toa(8) + overflow(1) + ftoa(1) + tot(2).
const RecordSize = 16

// NCam is the AdvaPix chip's linear pixel dimension.
const NCam = 256

// ChunkRecords is the number of pixel records decoded as one ring slot.
const ChunkRecords = 14400

// RingCapacity is the default number of in-flight chunks.
const RingCapacity = 1024

// Record is one decoded AdvaPix pixel hit.
type Record struct {
	Index    uint32
	TOA      uint64
	Overflow uint8
	FTOA     uint8
	TOT      uint16
}

// Chunk is one raw slab of pixel records read from the transport.
type Chunk struct {
	Records [ChunkRecords]Record
	N       int
}

// Config is the static configuration of one AdvaPix run.
type Config struct {
	NX, NY  int
	Rep     int
	DwellNs uint64 // ns; 0 means no dwell supplied, and every event is dropped (there is no default dwell)
}

// Decoder implements decoder.Decoder for the AdvaPix family.
type Decoder struct {
	cfg  Config
	sink decoder.Sink
	tr   transport.Transport
	ring *ring.Ring[Chunk]

	currentLine  int
	idImage      int
	repsReached  bool
	eventsCount  int64
}

// New constructs an AdvaPix decoder reading raw records from tr.
func New(cfg Config, tr transport.Transport, sink decoder.Sink) *Decoder {
	return &Decoder{
		cfg:  cfg,
		sink: sink,
		tr:   tr,
		ring: ring.New[Chunk](RingCapacity),
	}
}

// Pump reads raw chunks from the transport into the ring until end-of-stream
// or ctx cancellation.
func (d *Decoder) Pump(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			d.ring.Close()
			return ctx.Err()
		}
		slot, err := d.ring.Reserve()
		if err != nil {
			return err
		}
		buf := make([]byte, ChunkRecords*RecordSize)
		err = d.tr.ReadExact(buf)
		if err == transport.ErrEndOfStream {
			slot.N = decodeRecords(buf, &slot.Records)
			d.ring.Publish()
			d.ring.Close()
			return transport.ErrEndOfStream
		}
		if err != nil {
			d.ring.Close()
			return err
		}
		slot.N = decodeRecords(buf, &slot.Records)
		d.ring.Publish()
	}
}

func decodeRecords(buf []byte, out *[ChunkRecords]Record) int {
	n := len(buf) / RecordSize
	for i := 0; i < n; i++ {
		b := buf[i*RecordSize : (i+1)*RecordSize]
		out[i] = Record{
			Index:    leUint32(b[0:4]),
			TOA:      leUint64(b[4:12]),
			Overflow: b[12],
			FTOA:     b[13],
			TOT:      uint16(b[14]) | uint16(b[15])<<8,
		}
	}
	return n
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// ReadAndDecodeOneChunk decodes every record in the next ring slot.
func (d *Decoder) ReadAndDecodeOneChunk(ctx context.Context) error {
	slot, err := d.ring.Acquire()
	if err != nil {
		return err
	}
	defer d.ring.Release()
	for i := 0; i < slot.N; i++ {
		d.processEvent(slot.Records[i])
	}
	return nil
}

// Drain is a no-op: every record in a chunk is fully consumed inline.
func (d *Decoder) Drain() error { return nil }

// ProcessingRate is unsupported for AdvaPix in this form; callers that need
// it wrap the decoder with a rate-tracking sink.
func (d *Decoder) ProcessingRate() float64 { return 0 }

// ReachedRepetitions implements decoder.ReachedRepetitions.
func (d *Decoder) ReachedRepetitions() bool { return d.repsReached }

// CurrentLine implements decoder.LineProgress.
func (d *Decoder) CurrentLine() int { return d.currentLine }

func (d *Decoder) processEvent(r Record) {
	if d.repsReached || d.cfg.DwellNs == 0 {
		return
	}
	nxy := uint64(d.cfg.NX * d.cfg.NY)
	total := r.TOA * 25 / d.cfg.DwellNs
	if d.cfg.Rep > 0 && total >= nxy*uint64(d.cfg.Rep) {
		d.repsReached = true
		return
	}
	kx := uint16(r.Index % NCam)
	ky := uint16(r.Index / NCam)
	idImage := total / nxy
	d.currentLine = int(total / uint64(d.cfg.NX))
	d.idImage = int(idImage)

	d.eventsCount++
	d.sink.Observe(decoder.Event{
		ProbePosition: total % nxy,
		KX:            kx,
		KY:            ky,
		ImageIndex:    uint16(idImage),
		TOA:           r.TOA * 25,
		TOT:           r.TOT,
	})
}
