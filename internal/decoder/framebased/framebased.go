// Package framebased decodes frame-based sources (Merlin, simulated numpy
// dumps, HDF5 exports): one whole n_cam x n_cam frame per probe position
// rather than a stream of individually timestamped events. Each frame is
// converted into synthetic per-pixel events so it can be consumed by the
// same aggregation kernels that consume a genuinely event-driven stream,
// with the pixel's intensity carried in Event.TOT.
package framebased

import (
	"context"

	"github.com/nishisan-dev/eventem-go/internal/decoder"
	"github.com/nishisan-dev/eventem-go/internal/transport"
)

// FrameSource supplies whole frames in scan order. A frame is NCam*NCam
// pixel intensities, row-major.
type FrameSource interface {
	// NextFrame reads the next frame into dst (len(dst) == NCam*NCam) and
	// reports transport.ErrEndOfStream once the acquisition is exhausted.
	NextFrame(dst []uint32) error
}

// TransportFrameSource reads fixed-size raw frames off a transport.Transport,
// one uint16-per-pixel little-endian frame at a time (Merlin/simulated-numpy
// wire format).
type TransportFrameSource struct {
	tr    transport.Transport
	nCam  int
	raw   []byte
}

// NewTransportFrameSource wraps tr as a FrameSource for an nCam x nCam
// 16-bit-per-pixel detector.
func NewTransportFrameSource(tr transport.Transport, nCam int) *TransportFrameSource {
	return &TransportFrameSource{tr: tr, nCam: nCam, raw: make([]byte, nCam*nCam*2)}
}

// NextFrame implements FrameSource.
func (s *TransportFrameSource) NextFrame(dst []uint32) error {
	if err := s.tr.ReadExact(s.raw); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = uint32(s.raw[i*2]) | uint32(s.raw[i*2+1])<<8
	}
	return nil
}

// Config is the static configuration of one frame-based run.
type Config struct {
	NCam int // chip linear dimension: 64, 128, 256, or 512
	NX, NY int
	Rep  int
}

// Decoder implements decoder.Decoder for frame-based sources.
type Decoder struct {
	cfg    Config
	sink   decoder.Sink
	src    FrameSource
	frame  []uint32
	idx    int64 // frames consumed so far, 0-based
	repsReached bool
}

// New constructs a frame-based decoder.
func New(cfg Config, src FrameSource, sink decoder.Sink) *Decoder {
	return &Decoder{
		cfg:   cfg,
		sink:  sink,
		src:   src,
		frame: make([]uint32, cfg.NCam*cfg.NCam),
	}
}

// ReadAndDecodeOneChunk reads and decodes exactly one frame.
func (d *Decoder) ReadAndDecodeOneChunk(ctx context.Context) error {
	if d.repsReached {
		return transport.ErrEndOfStream
	}
	if err := d.src.NextFrame(d.frame); err != nil {
		return err
	}
	d.decodeFrame()
	return nil
}

// Drain is a no-op: a frame is fully consumed by ReadAndDecodeOneChunk.
func (d *Decoder) Drain() error { return nil }

// ProcessingRate is unsupported in this form; wrap with a rate-tracking sink.
func (d *Decoder) ProcessingRate() float64 { return 0 }

// ReachedRepetitions implements decoder.ReachedRepetitions.
func (d *Decoder) ReachedRepetitions() bool { return d.repsReached }

// CurrentLine implements decoder.LineProgress: each whole frame is one
// probe position here, so "line" tracks frames consumed divided by NX.
func (d *Decoder) CurrentLine() int {
	if d.cfg.NX == 0 {
		return 0
	}
	return int(d.idx) / d.cfg.NX
}

func (d *Decoder) decodeFrame() {
	nxy := int64(d.cfg.NX * d.cfg.NY)
	if d.cfg.Rep > 0 && nxy > 0 && d.idx >= nxy*int64(d.cfg.Rep) {
		d.repsReached = true
		return
	}
	probePosition := uint64(d.idx % nxy)
	imageIndex := uint16(d.idx / nxy)

	for pixel, v := range d.frame {
		if v == 0 {
			continue
		}
		kx := uint16(pixel % d.cfg.NCam)
		ky := uint16(pixel / d.cfg.NCam)
		tot := v
		if tot > 0xFFFF {
			tot = 0xFFFF
		}
		d.sink.Observe(decoder.Event{
			ProbePosition: probePosition,
			KX:            kx,
			KY:            ky,
			ImageIndex:    imageIndex,
			TOT:           uint16(tot),
		})
	}
	d.idx++
}
