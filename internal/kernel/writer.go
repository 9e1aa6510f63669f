package kernel

import (
	"github.com/nishisan-dev/eventem-go/internal/decoder"
	"github.com/nishisan-dev/eventem-go/internal/electronfile"
)

// ElectronWriter appends every qualifying event as a binned electron-file
// record, dropping anything outside the configured crop window, grounded
// on Timepix.hpp's write_electron().
type ElectronWriter struct {
	NX              int
	DetBinElectron  int
	ScanBinElectron int
	XCrop, YCrop    int
	W               *electronfile.Writer
	OnError         func(error)
}

// Observe implements decoder.Sink.
func (k *ElectronWriter) Observe(ev decoder.Event) {
	rx := (int(ev.ProbePosition) % k.NX) / k.ScanBinElectron
	ry := (int(ev.ProbePosition) / k.NX) / k.ScanBinElectron
	if rx >= k.XCrop/k.ScanBinElectron || ry >= k.YCrop/k.ScanBinElectron {
		return
	}
	rec := electronfile.Record{
		KX:         ev.KX / uint16(k.DetBinElectron),
		KY:         ev.KY / uint16(k.DetBinElectron),
		RX:         uint16(rx),
		RY:         uint16(ry),
		ImageIndex: ev.ImageIndex,
	}
	if err := k.W.Write(rec); err != nil && k.OnError != nil {
		k.OnError(err)
	}
}

// DeclusterEvent is one raw hit staged for the secondary declustering pass,
// carrying the fields the decluster algorithm needs in addition to the
// scan/detector coordinates already on decoder.Event.
type DeclusterEvent struct {
	KX, KY, RX, RY, ImageIndex uint16
	TOA                        uint64
	TOT                        uint16
}

// DeclusterSink receives every event destined for the secondary clustering
// pass. internal/decluster implements this; kernel never imports it
// directly to avoid a cycle.
type DeclusterSink interface {
	Stage(ev DeclusterEvent)
}

// DeclusterBufferWriter hands every qualifying event to the declusterer's
// staging buffer instead of directly into an image, grounded on
// Timepix.hpp's write_declusterer_buffer().
type DeclusterBufferWriter struct {
	NX   int
	Sink DeclusterSink
}

// Observe implements decoder.Sink.
func (k *DeclusterBufferWriter) Observe(ev decoder.Event) {
	k.Sink.Stage(DeclusterEvent{
		KX:         ev.KX,
		KY:         ev.KY,
		RX:         uint16(int(ev.ProbePosition) % k.NX),
		RY:         uint16(int(ev.ProbePosition) / k.NX),
		ImageIndex: ev.ImageIndex,
		TOA:        ev.TOA,
		TOT:        ev.TOT,
	})
}
