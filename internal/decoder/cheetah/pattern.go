package cheetah

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/eventem-go/internal/decoder"
	"github.com/nishisan-dev/eventem-go/internal/ring"
	"github.com/nishisan-dev/eventem-go/internal/transport"
)

// PatternConfig is the static configuration of a pattern-triggered Cheetah
// run: every TDC falling edge advances the scan by one probe position,
// looked up from Pattern rather than inferred from a line's rise/fall
// interval.
type PatternConfig struct {
	NX, NY int
	Rep    int
	Pattern []uint64 // length NX*NY; pattern[i] is the probe_position for the i-th TDC fall
}

type patternChipState struct {
	riseT, fallT       uint64
	riseFall           bool
	probeCount         int
	prevTDC            uint64
	tdcOffset          uint64
	lastOffsetLineTDC  int
}

// PatternDecoder implements decoder.Decoder for the pixel-triggered Cheetah
// variant used with raster patterns that are not simple row-major scans
// (resonant or spiral scan engines driving one TDC pulse per probe position).
type PatternDecoder struct {
	cfg  PatternConfig
	sink decoder.Sink
	tr   transport.Transport
	ring *ring.Ring[Chunk]

	chips [4]patternChipState

	chipIDHint           int
	currentLine          int
	mostAdvancedProbe    int
	mostAdvancedLine     int
	idImage              int

	mu sync.Mutex

	eventsProcessed atomic.Int64
	repsReached     atomic.Bool
	rate            atomic.Value

	OnEndOfImage func(imageIndex int)
}

// NewPattern constructs a pattern-triggered Cheetah decoder.
func NewPattern(cfg PatternConfig, tr transport.Transport, sink decoder.Sink) *PatternDecoder {
	d := &PatternDecoder{
		cfg:  cfg,
		sink: sink,
		tr:   tr,
		ring: ring.New[Chunk](RingCapacity),
	}
	d.rate.Store(float64(0))
	return d
}

// Pump reads raw chunks from the transport into the ring.
func (d *PatternDecoder) Pump(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			d.ring.Close()
			return ctx.Err()
		}
		slot, err := d.ring.Reserve()
		if err != nil {
			return err
		}
		buf := make([]byte, ChunkWords*8)
		err = d.tr.ReadExact(buf)
		if err == transport.ErrEndOfStream {
			slot.N = decodeWords(buf, &slot.Words)
			d.ring.Publish()
			d.ring.Close()
			return transport.ErrEndOfStream
		}
		if err != nil {
			d.ring.Close()
			return err
		}
		slot.N = decodeWords(buf, &slot.Words)
		d.ring.Publish()
	}
}

// ReadAndDecodeOneChunk decodes one ring slot's worth of packets.
func (d *PatternDecoder) ReadAndDecodeOneChunk(ctx context.Context) error {
	slot, err := d.ring.Acquire()
	if err != nil {
		return err
	}
	defer d.ring.Release()
	for i := 0; i < slot.N; i++ {
		d.decodeOne(slot.Words[i])
	}
	return nil
}

// Drain is a no-op: packets are fully consumed inline.
func (d *PatternDecoder) Drain() error { return nil }

// ProcessingRate reports the most recently recorded events/second rate.
func (d *PatternDecoder) ProcessingRate() float64 { return d.rate.Load().(float64) }

// ReachedRepetitions implements decoder.ReachedRepetitions.
func (d *PatternDecoder) ReachedRepetitions() bool { return d.repsReached.Load() }

// CurrentLine implements decoder.LineProgress.
func (d *PatternDecoder) CurrentLine() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentLine
}

func (d *PatternDecoder) decodeOne(word uint64) {
	switch classify(word) {
	case packetTypeHeader:
		d.mu.Lock()
		d.chipIDHint = int((word >> 32) & 0xFF)
		d.mu.Unlock()
	case packetTypeTDC:
		d.processTDC(word)
	case packetTypeEvent:
		d.processEvent(word)
	}
}

func (d *PatternDecoder) processTDC(word uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	chip := d.chipIDHint
	c := &d.chips[chip]
	kind := (word >> 56) & 0xF
	ts := ((word >> 9) & tdcTimeMask) + c.tdcOffset

	switch kind {
	case tdcKindRise:
		if d.currentLine > 1 && c.prevTDC > ts+tdcOverflowDrop && c.lastOffsetLineTDC != d.currentLine {
			c.tdcOffset += tdcOffsetBump
			ts += tdcOffsetBump
			c.lastOffsetLineTDC = d.currentLine
		}
		c.riseT = ts
		c.riseFall = true
		c.prevTDC = ts
	case tdcKindFall:
		if d.currentLine > 1 && c.prevTDC > ts+tdcOverflowDrop && c.lastOffsetLineTDC != d.currentLine {
			c.tdcOffset += tdcOffsetBump
			ts += tdcOffsetBump
			c.lastOffsetLineTDC = d.currentLine
		}
		c.riseFall = false
		c.fallT = ts
		c.prevTDC = ts
		c.probeCount++

		if d.allChipsAtLeast(chip, c.probeCount) {
			d.currentLine = c.probeCount / d.cfg.NX
		} else if c.probeCount >= d.mostAdvancedProbe {
			d.mostAdvancedProbe = c.probeCount
			d.mostAdvancedLine = d.mostAdvancedProbe / d.cfg.NX
			nxy := d.cfg.NX * d.cfg.NY
			if nxy > 0 && d.mostAdvancedProbe%nxy == 0 {
				d.idImage = d.mostAdvancedLine / d.cfg.NY
				if d.OnEndOfImage != nil {
					img := d.idImage
					d.mu.Unlock()
					d.OnEndOfImage(img)
					d.mu.Lock()
				}
			}
		}
		if d.cfg.Rep > 0 && d.cfg.NX > 0 && d.cfg.NY > 0 && c.probeCount >= d.cfg.NX*d.cfg.NY*d.cfg.Rep {
			d.repsReached.Store(true)
		}
	}
}

func (d *PatternDecoder) allChipsAtLeast(chip, count int) bool {
	for i := range d.chips {
		if d.chips[i].probeCount > 0 || i == chip {
			if count > d.chips[i].probeCount && i != chip {
				return false
			}
		}
	}
	return true
}

func (d *PatternDecoder) processEvent(word uint64) {
	d.mu.Lock()
	chip := d.chipIDHint
	c := &d.chips[chip]
	if !c.riseFall || d.repsReached.Load() {
		d.mu.Unlock()
		return
	}

	probeCount := c.probeCount
	nxy := len(d.cfg.Pattern)
	if nxy == 0 {
		d.mu.Unlock()
		return
	}
	probePosition := d.cfg.Pattern[probeCount%nxy]
	image := d.idImage

	pack44 := word >> 44
	kx := uint16(addressMultiplier[chip]*(int((pack44&0x0FE00)>>8)+int((pack44&0x00007)>>2)) + addressBiasX[chip])
	ky := uint16(addressMultiplier[chip]*(int((pack44&0x001F8)>>1)+int(pack44&0x00003)) + addressBiasY[chip])

	d.eventsProcessed.Add(1)
	d.mu.Unlock()

	d.sink.Observe(decoder.Event{
		ProbePosition: probePosition,
		KX:            kx,
		KY:            ky,
		ImageIndex:    uint16(image),
	})
}
