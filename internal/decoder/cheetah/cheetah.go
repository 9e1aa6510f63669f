// Package cheetah decodes the Timepix3/Cheetah wire format: a 512x512,
// four-chip detector that reports scan position through TDC rise/fall line
// triggers rather than an externally supplied dwell clock. Column position
// within a line is reconstructed from the measured rise-to-fall interval of
// that same line, so every chip tracks its own line counter independently,
// while the TOA/TDC wraparound correction is shared by all four chips.
package cheetah

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/eventem-go/internal/decoder"
	"github.com/nishisan-dev/eventem-go/internal/ring"
	"github.com/nishisan-dev/eventem-go/internal/transport"
)

const (
	headerMagic = 0x54585033 // "TPX3", little-endian word

	packetTypeHeader = iota
	packetTypeTDC
	packetTypeEvent
	packetTypeUnknown

	tdcKindRise = 0xF
	tdcKindFall = 0xA

	// toaOverflowDrop/toaOffsetBump correct the 34-bit extended-TOA clock
	// (30-bit TOA shifted left by 4): once a freshly decoded TOA falls more
	// than 2^32 behind the previous one, the clock has wrapped and the 2^34
	// bump is added to the offset applied to every subsequent TOA.
	toaOverflowDrop uint64 = 4294967296          // 2^32
	toaOffsetBump   uint64 = 17179869184         // 2^34
	tdcOverflowDrop uint64 = 17179869184         // 2^34, half of the TDC range
	tdcOffsetBump   uint64 = 34359738368         // 2^35
	tdcTimeMask     uint64 = (1 << 35) - 1        // 35-bit TDC timestamp field
)

// ChunkWords is the number of 64-bit packets decoded as one ring slot.
const ChunkWords = 4096

// RingCapacity is the default number of in-flight chunks buffered between
// the transport reader and the decode loop.
const RingCapacity = 2048

// Chunk is one raw slab of packets read from the transport.
type Chunk struct {
	Words [ChunkWords]uint64
	N     int // valid words in this chunk; < ChunkWords only on the final chunk
}

var addressMultiplier = [4]int{1, -1, -1, 1}
var addressBiasX = [4]int{256, 511, 255, 0}
var addressBiasY = [4]int{0, 511, 511, 0}

// Config is the static configuration of one Cheetah run.
type Config struct {
	NX, NY int
	Rep    int
	// DwellNs seeds the initial column-rate guess in ticks (ns*16/25)
	// before the first TDC line interval has been measured; 0 means "sacrifice
	// the first line", matching the detector firmware's fallback of 1000 ticks.
	DwellNs  uint64
	WithTOT  bool
}

// chipState is the independent per-chip line bookkeeping. Cheetah has
// exactly four chips tiling the 512x512 sensor, each running its own rise/
// fall line cycle. Overflow-correction state is NOT here: the detector
// firmware keeps a single TOA/TDC offset shared across all four chips
// (see Decoder.prevTOA etc.), since the 48-bit clock they all read wraps
// for the whole sensor at once, not per chip.
type chipState struct {
	riseT, fallT uint64
	riseFall     bool // true between a line's rise and its fall; gates event parsing
	started      bool // true once this chip has seen its first rise
	lineCount    int
	dt           uint64 // ticks per column, remeasured at every line fall
}

// Decoder implements decoder.Decoder for the pulse-counted Cheetah family.
type Decoder struct {
	cfg   Config
	sink  decoder.Sink
	tr    transport.Transport
	ring  *ring.Ring[Chunk]

	chips [4]chipState

	// overflow correction: a single 48-bit time base is shared by all four
	// chips, so the offset/wrap bookkeeping lives on the decoder rather
	// than in chipState. A wrap seen via one chip's packets must also
	// correct the next packet decoded from any other chip.
	prevTOA           uint64
	toaOffset         uint64
	lastOffsetLine    int
	prevTDC           uint64
	tdcOffset         uint64
	lastOffsetLineTDC int

	currentLine      int
	mostAdvancedLine int
	idImage          int
	chipIDHint       int // chip named by the most recent header packet

	mu sync.Mutex // guards chips/currentLine/mostAdvancedLine/idImage/chipIDHint

	eventsProcessed atomic.Int64
	repsReached     atomic.Bool
	rate            atomic.Value // float64

	// OnEndOfImage, if set, fires once per completed image (most_advanced_line
	// crossing an ny boundary), before any event of the next image is decoded.
	OnEndOfImage func(imageIndex int)
}

// New constructs a Cheetah decoder reading chunks from tr and publishing
// decoded events to sink.
func New(cfg Config, tr transport.Transport, sink decoder.Sink) *Decoder {
	d := &Decoder{
		cfg:  cfg,
		sink: sink,
		tr:   tr,
		ring: ring.New[Chunk](RingCapacity),
	}
	seed := cfg.DwellNs * 16 / 25
	if seed == 0 {
		seed = 1000
	}
	for i := range d.chips {
		d.chips[i].dt = seed
	}
	d.rate.Store(float64(0))
	return d
}

// Pump reads raw chunks from the transport into the ring until the
// transport reports end-of-stream or ctx is cancelled. Run this in its own
// goroutine alongside repeated calls to ReadAndDecodeOneChunk.
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
		buf := make([]byte, ChunkWords*8)
		err = d.tr.ReadExact(buf)
		if err == transport.ErrEndOfStream {
			n := byteLenToWords(buf, &slot.Words)
			slot.N = n
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

func decodeWords(buf []byte, words *[ChunkWords]uint64) int {
	n := len(buf) / 8
	for i := 0; i < n; i++ {
		words[i] = leUint64(buf[i*8 : i*8+8])
	}
	return n
}

func byteLenToWords(buf []byte, words *[ChunkWords]uint64) int {
	return decodeWords(buf, words)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// ReadAndDecodeOneChunk acquires the next ring slot and decodes every packet
// in it, dispatching events to the sink.
func (d *Decoder) ReadAndDecodeOneChunk(ctx context.Context) error {
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

// Drain is a no-op for Cheetah: every packet in a chunk is fully consumed
// inline, so nothing is left buffered once ReadAndDecodeOneChunk returns.
func (d *Decoder) Drain() error { return nil }

// ProcessingRate returns the most recently recorded events/second rate.
func (d *Decoder) ProcessingRate() float64 {
	return d.rate.Load().(float64)
}

// ReachedRepetitions implements decoder.ReachedRepetitions.
func (d *Decoder) ReachedRepetitions() bool { return d.repsReached.Load() }

// CurrentLine implements decoder.LineProgress: the minimum line count
// across every chip that has reported at least one rise, the same value
// recomputeCurrentLine maintains for end-of-image detection.
func (d *Decoder) CurrentLine() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentLine
}

func (d *Decoder) decodeOne(word uint64) {
	switch classify(word) {
	case packetTypeHeader:
		d.mu.Lock()
		// chip_id travels in the header packet; chips self-select on the
		// subsequent TDC/event packets using the value latched here.
		d.chipIDHint = int((word >> 32) & 0xFF)
		d.mu.Unlock()
	case packetTypeTDC:
		d.processTDC(word)
	case packetTypeEvent:
		d.processEvent(word)
	}
}

func classify(word uint64) int {
	if word&0xFFFFFFFF == headerMagic {
		return packetTypeHeader
	}
	switch word >> 60 {
	case 0x6:
		return packetTypeTDC
	case 0xB:
		return packetTypeEvent
	case 0x4:
		return packetTypeUnknown // global time frame, not scan-relevant
	default:
		return packetTypeUnknown
	}
}

func (d *Decoder) processTDC(word uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	chip := d.chipIDHint
	c := &d.chips[chip]
	kind := (word >> 56) & 0xF
	ts := ((word >> 9) & tdcTimeMask) + d.tdcOffset

	switch kind {
	case tdcKindRise:
		if d.currentLine > 1 && d.prevTDC > ts+tdcOverflowDrop && d.lastOffsetLineTDC != d.currentLine {
			d.tdcOffset += tdcOffsetBump
			ts += tdcOffsetBump
			d.lastOffsetLineTDC = d.currentLine
		}
		c.riseT = ts
		c.riseFall = true
		c.started = true
		d.prevTDC = ts
	case tdcKindFall:
		if d.currentLine > 1 && d.prevTDC > ts+tdcOverflowDrop && d.lastOffsetLineTDC != d.currentLine {
			d.tdcOffset += tdcOffsetBump
			ts += tdcOffsetBump
			d.lastOffsetLineTDC = d.currentLine
		}
		c.riseFall = false
		c.fallT = ts
		d.prevTDC = ts
		c.lineCount++

		if c.fallT > c.riseT {
			c.dt = (c.fallT - c.riseT) * 2 / uint64(d.cfg.NX)
		}

		d.recomputeCurrentLine()
		if c.lineCount >= d.mostAdvancedLine {
			d.mostAdvancedLine = c.lineCount
			if d.cfg.NY > 0 && d.mostAdvancedLine%d.cfg.NY == 0 {
				d.idImage = d.mostAdvancedLine / d.cfg.NY
				if d.OnEndOfImage != nil {
					img := d.idImage
					d.mu.Unlock()
					d.OnEndOfImage(img)
					d.mu.Lock()
				}
			}
		}
		if d.cfg.NY > 0 && d.cfg.Rep > 0 && d.currentLine >= d.cfg.NY*d.cfg.Rep {
			d.repsReached.Store(true)
		}
	}
}

// recomputeCurrentLine sets currentLine to the minimum line count across
// every chip that has reported at least one rise: the detector firmware
// requires all four chips to agree before a line is considered fully
// scanned.
func (d *Decoder) recomputeCurrentLine() {
	min := -1
	for i := range d.chips {
		if !d.chips[i].started {
			continue
		}
		if min == -1 || d.chips[i].lineCount < min {
			min = d.chips[i].lineCount
		}
	}
	if min >= 0 {
		d.currentLine = min
	}
}

func (d *Decoder) processEvent(word uint64) {
	d.mu.Lock()
	chip := d.chipIDHint
	c := &d.chips[chip]
	if !c.riseFall || d.repsReached.Load() {
		d.mu.Unlock()
		return
	}

	var toa uint64
	var tot uint16
	if d.cfg.WithTOT {
		ftoa := (word >> 16) & 0xF
		tot = uint16((word >> 20) & 0x3FF)
		toa = ((((word & 0xFFFF) << 14) + ((word >> 30) & 0x3FFF)) << 4) - ftoa + d.toaOffset
	} else {
		toa = ((((word & 0xFFFF) << 14) + ((word >> 30) & 0x3FFF)) << 4) + d.toaOffset
	}

	if d.currentLine > 1 && d.prevTOA > toa+toaOverflowDrop && d.lastOffsetLine != d.currentLine {
		d.toaOffset += toaOffsetBump
		toa += toaOffsetBump
		d.lastOffsetLine = d.currentLine
	}
	d.prevTOA = toa

	if c.dt == 0 {
		d.mu.Unlock()
		return
	}
	col := int((toa - c.riseT*2) / c.dt)
	if col >= d.cfg.NX {
		// flyback: the event landed after the line's measured column window.
		d.mu.Unlock()
		return
	}
	row := c.lineCount % d.cfg.NY
	probePosition := uint64(row*d.cfg.NX + col)
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
		TOA:           toa,
		TOT:           tot,
	})
}
