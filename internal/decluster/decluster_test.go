package decluster

import (
	"os"
	"testing"

	"github.com/nishisan-dev/eventem-go/internal/electronfile"
	"github.com/nishisan-dev/eventem-go/internal/kernel"
)

func newTestWriter(t *testing.T) (*electronfile.Writer, string) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "electrons-*.bin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	return electronfile.NewWriter(f), f.Name()
}

func TestDecluster_FiveEventCluster(t *testing.T) {
	w, _ := newTestWriter(t)
	cfg := Config{DTime: 10, DSpace: 2, ClusterRange: 10, XCrop: 1000, YCrop: 1000, ScanBin: 1, DetBin: 1, MaxClusterSize: 16}
	d := New(cfg, w)

	// Five events: the first four are mutually within (dspace, dtime) of
	// event 0 and collapse into one cluster; the fifth is far away in kx
	// and survives as its own singleton cluster.
	events := []kernel.DeclusterEvent{
		{KX: 100, KY: 100, RX: 0, RY: 0, TOA: 1000},
		{KX: 101, KY: 100, RX: 0, RY: 0, TOA: 1002},
		{KX: 100, KY: 101, RX: 0, RY: 0, TOA: 1004},
		{KX: 102, KY: 101, RX: 0, RY: 0, TOA: 1006},
		{KX: 500, KY: 500, RX: 0, RY: 0, TOA: 1000},
	}
	for _, ev := range events {
		d.Stage(ev)
	}
	d.SetBufferRead()
	d.SetStillReading(false)
	d.Drain()

	if got := d.ElectronsKept(); got != 2 {
		t.Fatalf("expected 2 surviving clusters (one 4-event, one singleton), got %d", got)
	}
	hist := d.ClusterSizeHistogram()
	if hist[4] != 1 {
		t.Fatalf("expected histogram[4] = 1 for the 4-event cluster, got %d", hist[4])
	}
	if hist[1] != 1 {
		t.Fatalf("expected histogram[1] = 1 for the singleton, got %d", hist[1])
	}
}

func TestDecluster_OutsideClusterRangeNotMerged(t *testing.T) {
	w, _ := newTestWriter(t)
	cfg := Config{DTime: 1000, DSpace: 1000, ClusterRange: 2, XCrop: 1000, YCrop: 1000, ScanBin: 1, DetBin: 1, MaxClusterSize: 16}
	d := New(cfg, w)

	// Identical kx/ky/toa for all three, but cluster_range=2 limits the
	// forward window so event 0 can only ever reach event 1.
	for i := 0; i < 3; i++ {
		d.Stage(kernel.DeclusterEvent{KX: 10, KY: 10, TOA: 5})
	}
	d.SetBufferRead()
	d.SetStillReading(false)
	d.Drain()

	if got := d.ElectronsKept(); got != 2 {
		t.Fatalf("expected 2 surviving clusters bounded by cluster_range, got %d", got)
	}
}

func TestDecluster_CropDropsWrittenElectrons(t *testing.T) {
	w, path := newTestWriter(t)
	cfg := Config{DTime: 10, DSpace: 2, ClusterRange: 10, XCrop: 4, YCrop: 4, ScanBin: 1, DetBin: 1, MaxClusterSize: 16}
	d := New(cfg, w)

	d.Stage(kernel.DeclusterEvent{KX: 1, KY: 1, RX: 0, RY: 0, TOA: 1})
	d.Stage(kernel.DeclusterEvent{KX: 1, KY: 1, RX: 100, RY: 100, TOA: 100})
	d.SetBufferRead()
	d.SetStillReading(false)
	d.Drain()
	w.Flush()

	if got := d.ElectronsKept(); got != 2 {
		t.Fatalf("expected both hits to survive clustering (far apart in toa), got %d", got)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	records, err := electronfile.ReadAll(f, 0)
	if err != nil && records == nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 record to survive the crop window, got %d", len(records))
	}
}
