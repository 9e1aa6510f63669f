// Command eventem-run drives one streaming acquisition or replay run end to
// end from a YAML config: it opens a transport, decodes the configured
// detector family, feeds the decoded events to the configured aggregation
// kernels, and drives the integrated-gradient reducer one scan line behind
// the decoder until the run ends or the process receives SIGTERM/SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nishisan-dev/eventem-go/internal/config"
	"github.com/nishisan-dev/eventem-go/internal/decluster"
	"github.com/nishisan-dev/eventem-go/internal/decoder"
	"github.com/nishisan-dev/eventem-go/internal/decoder/advapix"
	"github.com/nishisan-dev/eventem-go/internal/decoder/cheetah"
	"github.com/nishisan-dev/eventem-go/internal/decoder/framebased"
	"github.com/nishisan-dev/eventem-go/internal/electronfile"
	"github.com/nishisan-dev/eventem-go/internal/fourd"
	"github.com/nishisan-dev/eventem-go/internal/kernel"
	"github.com/nishisan-dev/eventem-go/internal/logging"
	"github.com/nishisan-dev/eventem-go/internal/pipeline"
	"github.com/nishisan-dev/eventem-go/internal/progress"
	"github.com/nishisan-dev/eventem-go/internal/reduce"
	"github.com/nishisan-dev/eventem-go/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/eventem/run.yaml", "path to run config file")
	showProgress := flag.Bool("progress", false, "render a terminal progress bar while running")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, logFilePath(cfg))
	defer logCloser.Close()

	runLogger, runLogCloser, _, err := logging.NewSessionLogger(logger, cfg.LogDir, "eventem-run", cfg.Name)
	if err != nil {
		logger.Error("opening run log", "error", err)
		os.Exit(1)
	}
	defer runLogCloser.Close()

	if err := run(cfg, runLogger, *showProgress); err != nil {
		runLogger.Error("run failed", "error", err)
		os.Exit(1)
	}
	// A run that finished cleanly doesn't need its dedicated debug log kept
	// around; the aggregate log already has everything tagged with run=name.
	logging.RemoveSessionLog(cfg.LogDir, "eventem-run", cfg.Name)
}

func logFilePath(cfg *config.RunConfig) string {
	if cfg.LogDir == "" {
		return ""
	}
	return filepath.Join(cfg.LogDir, cfg.Name+".log")
}

func run(cfg *config.RunConfig, logger *slog.Logger, showProgress bool) error {
	tr, err := openTransport(cfg.Transport)
	if err != nil {
		return fmt.Errorf("eventem-run: opening transport: %w", err)
	}
	defer tr.Close()
	if err := tr.Flush(); err != nil {
		return fmt.Errorf("eventem-run: flushing transport: %w", err)
	}

	com := kernel.NewCOM(cfg.NX, cfg.NY)

	var sink decoder.Sink = com
	var extra decoder.MultiSink
	extra = append(extra, com)

	var chunkWriter *fourd.ChunkWriter
	if cfg.FourD.Enabled {
		cw, fsink, err := buildFourD(cfg)
		if err != nil {
			return fmt.Errorf("eventem-run: building 4D writer: %w", err)
		}
		defer fsink.Close()
		defer cw.Close()
		chunkWriter = cw
	}

	if cfg.Kernels.ROI.Enabled {
		roiKernel, err := buildROIKernel(cfg, chunkWriter)
		if err != nil {
			return fmt.Errorf("eventem-run: building ROI kernel: %w", err)
		}
		extra = append(extra, roiKernel)
	}

	if cfg.Kernels.PACBED {
		extra = append(extra, kernel.NewPACBED(cfg.NCam))
	}

	if cfg.Kernels.Variance.Enabled {
		extra = append(extra, &kernel.Variance{
			Images:  kernel.NewImageSet(cfg.NX, cfg.NY, cfg.Cumulative),
			XOffset: cfg.Kernels.Variance.XOffset,
			YOffset: cfg.Kernels.Variance.YOffset,
		})
	}

	if cfg.Kernels.Information.Enabled {
		prob, err := loadProbability(cfg.Kernels.Information.ProbabilityPath, cfg.NCam*cfg.NCam)
		if err != nil {
			return fmt.Errorf("eventem-run: loading information probability: %w", err)
		}
		extra = append(extra, kernel.NewInformation(cfg.NCam, cfg.NX*cfg.NY, prob))
	}

	if vstem := buildVirtualDetectors(cfg); vstem != nil {
		extra = append(extra, vstem)
	}

	for _, mvd := range cfg.Kernels.MaskedVirtualDetectors {
		mask, err := loadWeightMask(mvd.MaskPath, cfg.NCam*cfg.NCam)
		if err != nil {
			return fmt.Errorf("eventem-run: loading masked virtual detector %q: %w", mvd.Name, err)
		}
		extra = append(extra, &kernel.MaskedVSTEM{
			Images: kernel.NewImageSet(cfg.NX, cfg.NY, cfg.Cumulative),
			Mask:   mask,
			NCam:   cfg.NCam,
		})
	}

	var electronCloser interface{ Close() error }
	var declusterer *decluster.Declusterer
	switch {
	case cfg.Decluster.Enabled:
		d, closer, err := buildDeclusterer(cfg)
		if err != nil {
			return fmt.Errorf("eventem-run: building declusterer: %w", err)
		}
		declusterer = d
		electronCloser = closer
		defer electronCloser.Close()
		extra = append(extra, &kernel.DeclusterBufferWriter{NX: cfg.NX, Sink: declusterer})
	case cfg.Kernels.Electron.Enabled:
		ew, closer, err := buildElectronWriter(cfg, logger)
		if err != nil {
			return fmt.Errorf("eventem-run: building electron writer: %w", err)
		}
		electronCloser = closer
		defer electronCloser.Close()
		extra = append(extra, ew)
	}

	if len(extra) > 1 {
		sink = extra
	}

	dec, pump, err := buildDecoder(cfg, tr, sink)
	if err != nil {
		return fmt.Errorf("eventem-run: building decoder: %w", err)
	}

	if pump != nil {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := pump(ctx); err != nil && err != context.Canceled {
				logger.Warn("transport pump stopped", "error", err)
			}
		}()
	}

	if declusterer != nil {
		declusterCtx, declusterCancel := context.WithCancel(context.Background())
		go runDeclusterLoop(declusterCtx, declusterer)
		defer func() {
			declusterCancel()
			// Close out whatever buffer was still filling and flush the
			// remainder before the run exits.
			declusterer.SetBufferRead()
			declusterer.SetStillReading(false)
			declusterer.Drain()
			logger.Info("decluster complete", "electrons_kept", declusterer.ElectronsKept())
		}()
	}

	reducerCfg := reduce.Config{
		NX: cfg.NX, NY: cfg.NY, Rep: cfg.Rep, NCam: cfg.NCam,
		KernelSize: cfg.Reducer.KernelSize, Rotation: cfg.Reducer.Rotation,
		NThreads: cfg.Reducer.NThreads,
		Cumulative: cfg.Cumulative, Continuous: cfg.Continuous,
		UpdateOffset: cfg.Reducer.UpdateOffset, AutoOffset: cfg.Reducer.AutoOffset,
		OffsetX: cfg.Reducer.OffsetX, OffsetY: cfg.Reducer.OffsetY,
	}

	var mon *progress.Monitor
	if showProgress {
		mon = progress.New(cfg.Name, int64(cfg.NX)*int64(cfg.NY)*int64(cfg.Rep), 0, true, os.Stderr)
	}

	reducer := reduce.New(reducerCfg, com, mon)

	p := pipeline.New(dec, reducer, mon, logger)

	if err := pipeline.RunUntilSignal(context.Background(), p); err != nil {
		return err
	}

	if chunkWriter != nil {
		chunkWriter.Flush()
	}

	logger.Info("run completed", "name", cfg.Name)
	return nil
}

func openTransport(tc config.TransportConfig) (transport.Transport, error) {
	switch tc.Kind {
	case "file":
		return transport.OpenFile(tc.Path)
	case "socket":
		switch tc.Role {
		case "server":
			return transport.ListenServer(tc.Addr)
		default:
			return transport.DialClient(tc.Addr)
		}
	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}

// buildDecoder constructs the camera-family decoder named by cfg.Camera and,
// for the event-streaming families that read through a background ring
// producer, the Pump function the caller must run in its own goroutine.
func buildDecoder(cfg *config.RunConfig, tr transport.Transport, sink decoder.Sink) (decoder.Decoder, func(context.Context) error, error) {
	switch cfg.Camera {
	case config.CameraCheetah:
		d := cheetah.New(cheetah.Config{NX: cfg.NX, NY: cfg.NY, Rep: cfg.Rep, DwellNs: cfg.DwellNs}, tr, sink)
		return d, d.Pump, nil
	case config.CameraCheetahPatt:
		d := cheetah.NewPattern(cheetah.PatternConfig{NX: cfg.NX, NY: cfg.NY, Rep: cfg.Rep, Pattern: cfg.Pattern}, tr, sink)
		return d, d.Pump, nil
	case config.CameraAdvapix:
		d := advapix.New(advapix.Config{NX: cfg.NX, NY: cfg.NY, Rep: cfg.Rep, DwellNs: cfg.DwellNs}, tr, sink)
		return d, d.Pump, nil
	case config.CameraFrameBased:
		src := framebased.NewTransportFrameSource(tr, cfg.NCam)
		d := framebased.New(framebased.Config{NCam: cfg.NCam, NX: cfg.NX, NY: cfg.NY, Rep: cfg.Rep}, src, sink)
		return d, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown camera %q", cfg.Camera)
	}
}

// buildFourD constructs the 4D chunk writer and its backing sink: a file
// under FourD.OutputPath when set, otherwise an in-memory sink for runs
// that post-process the tensor in-process.
func buildFourD(cfg *config.RunConfig) (*fourd.ChunkWriter, interface{ Close() error }, error) {
	var sink fourd.Sink
	var closer interface{ Close() error }

	if cfg.FourD.OutputPath != "" {
		f, err := os.Create(cfg.FourD.OutputPath)
		if err != nil {
			return nil, nil, fmt.Errorf("creating 4D output file: %w", err)
		}
		ss := fourd.NewStreamSink(f)
		sink = ss
		closer = f
	} else {
		ms := fourd.NewMemorySink()
		sink = ms
		closer = ms
	}

	cw, err := fourd.New(fourd.Config{
		NXScanBin:        cfg.NX / max1(cfg.FourD.ScanBin),
		ChunkSizeScanBin: cfg.FourD.ChunkSizeScanBin,
		DetBin:           cfg.FourD.DetBin,
		NCam:             cfg.NCam,
		BitDepth:         fourd.BitDepth(cfg.FourD.BitDepth),
		DeflateLevel:     cfg.FourD.Deflate,
	}, sink, nil)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return cw, closer, nil
}

// buildElectronWriter opens the raw declustered-electron output stream,
// plain or pgzip-compressed per config, and wraps it as the kernel that
// feeds every qualifying event into it.
func buildElectronWriter(cfg *config.RunConfig, logger *slog.Logger) (*kernel.ElectronWriter, interface{ Close() error }, error) {
	f, err := os.Create(cfg.ElectronOutputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("creating electron output file: %w", err)
	}

	var w *electronfile.Writer
	var closer interface{ Close() error }
	if cfg.Kernels.Electron.Compressed {
		cw, err := electronfile.NewCompressedWriter(f)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		w = cw.Writer
		closer = closeBoth{cw, f}
	} else {
		w = electronfile.NewWriter(f)
		closer = closeBoth{flushCloser{w}, f}
	}

	ew := &kernel.ElectronWriter{
		NX:              cfg.NX,
		DetBinElectron:  cfg.Kernels.Electron.DetBin,
		ScanBinElectron: cfg.Kernels.Electron.ScanBin,
		XCrop:           cfg.Kernels.Electron.XCrop,
		YCrop:           cfg.Kernels.Electron.YCrop,
		W:               w,
		OnError:         func(err error) { logger.Warn("electron writer", "error", err) },
	}
	return ew, closer, nil
}

// buildDeclusterer opens the declustered-electron output stream the same way
// buildElectronWriter does and wraps it in a Declusterer that stages events
// for the secondary clustering pass instead of writing them directly.
func buildDeclusterer(cfg *config.RunConfig) (*decluster.Declusterer, interface{ Close() error }, error) {
	f, err := os.Create(cfg.ElectronOutputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("creating electron output file: %w", err)
	}
	w := electronfile.NewWriter(f)
	closer := closeBoth{flushCloser{w}, f}

	d := decluster.New(decluster.Config{
		DTime:          cfg.Decluster.DTime,
		DSpace:         cfg.Decluster.DSpace,
		ClusterRange:   cfg.Decluster.ClusterRange,
		XCrop:          cfg.Decluster.XCrop,
		YCrop:          cfg.Decluster.YCrop,
		ScanBin:        cfg.Decluster.ScanBin,
		DetBin:         cfg.Decluster.DetBin,
		MaxClusterSize: cfg.Decluster.MaxClusterSize,
	}, w)
	return d, closer, nil
}

// runDeclusterLoop periodically rotates the declusterer's filling buffer and
// drains whatever has accumulated, standing in for the original's dedicated
// declusterer.run() thread. Call this in its own goroutine; cancel ctx to
// stop it, then run one final SetBufferRead/Drain pass to flush the tail.
func runDeclusterLoop(ctx context.Context, d *decluster.Declusterer) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SetBufferRead()
			for d.RunDeclusterOnce() {
			}
			for d.RunWriteOnce() {
			}
		}
	}
}

// buildVirtualDetectors constructs the vSTEM (one detector) or multi-vSTEM
// (more than one) kernel named by cfg.Kernels.VirtualDetectors, or nil if
// none are configured.
func buildVirtualDetectors(cfg *config.RunConfig) decoder.Sink {
	vds := cfg.Kernels.VirtualDetectors
	if len(vds) == 0 {
		return nil
	}
	if len(vds) == 1 {
		vd := vds[0]
		return &kernel.VSTEM{
			Images:       kernel.NewImageSet(cfg.NX, cfg.NY, cfg.Cumulative),
			InRadiusSqr:  vd.InRadius * vd.InRadius,
			OutRadiusSqr: vd.OutRadius * vd.OutRadius,
			XOffset:      vd.XOffset,
			YOffset:      vd.YOffset,
		}
	}
	detectors := make([]kernel.MultiVSTEMDetector, len(vds))
	for i, vd := range vds {
		detectors[i] = kernel.MultiVSTEMDetector{
			InRadiusSqr:  vd.InRadius * vd.InRadius,
			OutRadiusSqr: vd.OutRadius * vd.OutRadius,
			XOffset:      vd.XOffset,
			YOffset:      vd.YOffset,
			Images:       kernel.NewImageSet(cfg.NX, cfg.NY, cfg.Cumulative),
		}
	}
	return &kernel.MultiVSTEM{Detectors: detectors}
}

// buildROIKernel constructs the ROI kernel named by cfg.Kernels.ROI: a
// mask-based crop when MaskPath is set, a rectangular crop feeding the 4D
// chunk writer when one is configured, or a plain rectangular crop
// otherwise.
func buildROIKernel(cfg *config.RunConfig, chunkWriter *fourd.ChunkWriter) (decoder.Sink, error) {
	roiCfg := cfg.Kernels.ROI
	if roiCfg.MaskPath != "" {
		mask, err := loadScanMask(roiCfg.MaskPath, cfg.NX*cfg.NY)
		if err != nil {
			return nil, fmt.Errorf("loading roi mask: %w", err)
		}
		return kernel.NewROIMask(cfg.NCam, cfg.NX*cfg.NY, replicateScanMask(mask, cfg.Rep)), nil
	}

	rect := kernel.ROIRect{LowerLeft: roiCfg.LowerLeft, UpperRight: roiCfg.UpperRight}
	if chunkWriter != nil {
		return kernel.NewROI4D(cfg.NX, cfg.NCam, cfg.FourD.DetBin, rect, chunkWriter), nil
	}
	return kernel.NewROI(cfg.NX, cfg.NCam, rect, roiCfg.WeightByTOT), nil
}

// flushCloser adapts electronfile.Writer's Flush to a Close call, for the
// uncompressed path where there is no gzip trailer to write.
type flushCloser struct{ w *electronfile.Writer }

func (f flushCloser) Close() error { return f.w.Flush() }

// closeBoth closes a and b in order, returning a's error if both fail.
type closeBoth struct {
	a interface{ Close() error }
	b interface{ Close() error }
}

func (c closeBoth) Close() error {
	err := c.a.Close()
	if berr := c.b.Close(); err == nil {
		err = berr
	}
	return err
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
