// Package config loads and validates the YAML run configuration that
// selects a detector family, scan geometry, aggregation kernels, and output
// sinks for one acquisition or replay run.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Camera selects the detector family a run decodes.
type Camera string

const (
	CameraCheetah       Camera = "cheetah"
	CameraCheetahPatt   Camera = "cheetah_pattern"
	CameraAdvapix       Camera = "advapix"
	CameraFrameBased    Camera = "frame_based"
)

// TransportConfig selects how raw detector bytes reach the ring buffer.
type TransportConfig struct {
	Kind string `yaml:"kind"` // "file" or "socket"
	Path string `yaml:"path,omitempty"`
	Addr string `yaml:"addr,omitempty"`
	Role string `yaml:"role,omitempty"` // "client" or "server", socket only
	DSCP int    `yaml:"dscp,omitempty"`
}

// DeclusterConfig mirrors Declusterer.hpp's tunables.
type DeclusterConfig struct {
	Enabled        bool   `yaml:"enabled"`
	DTime          uint64 `yaml:"d_time"`
	DSpace         uint16 `yaml:"d_space"`
	ClusterRange   int    `yaml:"cluster_range"`
	MaxClusterSize int    `yaml:"max_cluster_size"`
	XCrop          int    `yaml:"x_crop,omitempty"`
	YCrop          int    `yaml:"y_crop,omitempty"`
	ScanBin        int    `yaml:"scan_bin,omitempty"`
	DetBin         int    `yaml:"det_bin,omitempty"`
}

// ROIConfig crops the scan plane for the ROI/ROI-ToT/ROI-mask/ROI-4D
// kernels, grounded on Timepix.hpp's lower_left/upper_right fields. When
// MaskPath is set, the run builds a mask-based ROIMask kernel instead of the
// rectangular crop (mask_vstem/roi_mask's analytic-vs-precomputed split).
type ROIConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LowerLeft   [2]int `yaml:"lower_left,omitempty"`
	UpperRight  [2]int `yaml:"upper_right,omitempty"`
	WeightByTOT bool   `yaml:"weight_by_tot,omitempty"`
	MaskPath    string `yaml:"mask_path,omitempty"`
}

// VirtualDetector configures one vSTEM or multi-vSTEM annulus. A run with
// exactly one entry builds a single kernel.VSTEM; more than one builds a
// kernel.MultiVSTEM evaluating every ring against the same event stream.
type VirtualDetector struct {
	Name      string `yaml:"name"`
	InRadius  int    `yaml:"in_radius"`
	OutRadius int    `yaml:"out_radius"`
	XOffset   int    `yaml:"x_offset,omitempty"`
	YOffset   int    `yaml:"y_offset,omitempty"`
}

// MaskedVirtualDetector configures one kernel.MaskedVSTEM: a per-detector-
// pixel weight mask loaded from disk rather than an analytic annulus,
// grounded on Timepix.hpp's mask_vstem().
type MaskedVirtualDetector struct {
	Name     string `yaml:"name"`
	MaskPath string `yaml:"mask_path"`
}

// VarianceConfig configures the kernel.Variance kernel's detector-plane
// reference offset, grounded on Timepix.hpp's var().
type VarianceConfig struct {
	Enabled bool `yaml:"enabled"`
	XOffset int  `yaml:"x_offset,omitempty"`
	YOffset int  `yaml:"y_offset,omitempty"`
}

// InformationConfig configures the kernel.Information kernel. ProbabilityPath
// names a binary file of NCam*NCam little-endian float64 values giving the
// reference detector-plane probability distribution, matching the original's
// externally supplied probability pointer (Timepix.hpp's enable_information()
// takes a caller-owned buffer, not something computed on the fly).
type InformationConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ProbabilityPath string `yaml:"probability_path"`
}

// FourDConfig configures the binned 4D chunk writer.
type FourDConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ScanBin          int    `yaml:"scan_bin"`
	DetBin           int    `yaml:"det_bin"`
	ChunkSizeScanBin int    `yaml:"chunksize"`
	BitDepth         int    `yaml:"bitdepth"` // 8, 16, or 32
	Deflate          int    `yaml:"deflate"`  // 1..9, 0 disables compression
	OutputPath       string `yaml:"output_path"`
}

// ElectronConfig configures the raw declustered-electron output stream,
// grounded on Timepix.hpp's write_electron() tunables.
type ElectronConfig struct {
	Enabled    bool `yaml:"enabled"`
	ScanBin    int  `yaml:"scan_bin"`
	DetBin     int  `yaml:"det_bin"`
	XCrop      int  `yaml:"x_crop"`
	YCrop      int  `yaml:"y_crop"`
	Compressed bool `yaml:"compressed,omitempty"`
}

// Kernels lists which aggregation kernels this run feeds events to.
type Kernels struct {
	COM                    bool                    `yaml:"com"`
	PACBED                 bool                    `yaml:"pacbed"`
	Variance               VarianceConfig          `yaml:"variance,omitempty"`
	VirtualDetectors       []VirtualDetector       `yaml:"virtual_detectors,omitempty"`
	MaskedVirtualDetectors []MaskedVirtualDetector `yaml:"masked_virtual_detectors,omitempty"`
	ROI                    ROIConfig               `yaml:"roi,omitempty"`
	Electron               ElectronConfig          `yaml:"electron,omitempty"`
	Information            InformationConfig       `yaml:"information,omitempty"`
}

// ReducerConfig configures the integrated-gradient reconstruction driver.
type ReducerConfig struct {
	KernelSize   int     `yaml:"kernel_size"`
	Rotation     float64 `yaml:"rotation,omitempty"`
	NThreads     int     `yaml:"n_threads"`
	UpdateOffset bool    `yaml:"update_offset,omitempty"`
	AutoOffset   bool    `yaml:"auto_offset,omitempty"`
	OffsetX      float64 `yaml:"offset_x,omitempty"`
	OffsetY      float64 `yaml:"offset_y,omitempty"`
}

// RunConfig is the full YAML-backed configuration for one acquisition or
// replay run.
type RunConfig struct {
	Name string `yaml:"name"`

	Camera  Camera `yaml:"camera"`
	NX      int    `yaml:"nx"`
	NY      int    `yaml:"ny"`
	NCam    int    `yaml:"n_cam"`
	Rep     int    `yaml:"rep"`
	DwellNs uint64 `yaml:"dwell_ns,omitempty"`

	// Pattern maps the i-th TDC falling edge to a probe position, required
	// when Camera is cheetah_pattern (resonant/spiral scan engines that
	// don't advance row-major).
	Pattern []uint64 `yaml:"pattern,omitempty"`

	Transport TransportConfig `yaml:"transport"`

	Cumulative bool `yaml:"b_cumulative"`
	Continuous bool `yaml:"b_continuous"`

	Decluster DeclusterConfig `yaml:"decluster,omitempty"`
	FourD     FourDConfig     `yaml:"four_d,omitempty"`
	Kernels   Kernels         `yaml:"kernels"`
	Reducer   ReducerConfig   `yaml:"reducer"`

	// BaseDir, when set, sandboxes every output path below it.
	BaseDir             string `yaml:"base_dir,omitempty"`
	ElectronOutputPath  string `yaml:"electron_output_path,omitempty"`
	LogDir              string `yaml:"log_dir,omitempty"`
	LogLevel            string `yaml:"log_level,omitempty"`
	LogFormat           string `yaml:"log_format,omitempty"`
}

// Load reads and validates a RunConfig from path.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bad configuration in %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks every field a worker would otherwise fail on mid-run,
// so a malformed run config is rejected before any transport is opened.
func (c *RunConfig) Validate() error {
	if err := validatePathComponent(c.Name, "name"); err != nil {
		return err
	}
	if c.NX <= 0 || c.NY <= 0 {
		return fmt.Errorf("nx/ny must be positive, got nx=%d ny=%d", c.NX, c.NY)
	}
	if c.Rep <= 0 {
		return fmt.Errorf("rep must be positive, got %d", c.Rep)
	}
	if c.NCam <= 0 {
		return fmt.Errorf("n_cam must be positive, got %d", c.NCam)
	}

	switch c.Camera {
	case CameraCheetah, CameraCheetahPatt, CameraAdvapix, CameraFrameBased:
	default:
		return fmt.Errorf("unknown camera %q", c.Camera)
	}
	if c.Camera == CameraAdvapix && c.DwellNs == 0 {
		return fmt.Errorf("advapix camera requires dwell_ns > 0")
	}
	if c.Camera == CameraCheetahPatt && len(c.Pattern) != c.NX*c.NY {
		return fmt.Errorf("cheetah_pattern camera requires a pattern of length nx*ny=%d, got %d", c.NX*c.NY, len(c.Pattern))
	}

	switch c.Transport.Kind {
	case "file":
		if c.Transport.Path == "" {
			return fmt.Errorf("transport.path required for file transport")
		}
	case "socket":
		if c.Transport.Addr == "" {
			return fmt.Errorf("transport.addr required for socket transport")
		}
		switch c.Transport.Role {
		case "client", "server":
		default:
			return fmt.Errorf("transport.role must be client or server, got %q", c.Transport.Role)
		}
	default:
		return fmt.Errorf("unknown transport.kind %q", c.Transport.Kind)
	}

	if c.Decluster.Enabled {
		if c.Decluster.ClusterRange <= 0 {
			return fmt.Errorf("decluster.cluster_range must be positive")
		}
		if c.Decluster.MaxClusterSize <= 0 {
			return fmt.Errorf("decluster.max_cluster_size must be positive")
		}
		if c.Decluster.ScanBin <= 0 || c.Decluster.DetBin <= 0 {
			return fmt.Errorf("decluster.scan_bin and det_bin must be positive")
		}
		if c.ElectronOutputPath == "" {
			return fmt.Errorf("decluster.enabled requires electron_output_path")
		}
		if c.Kernels.Electron.Enabled {
			return fmt.Errorf("decluster.enabled and kernels.electron.enabled are mutually exclusive: the declusterer writes electron_output_path itself")
		}
	}

	if c.FourD.Enabled {
		switch c.FourD.BitDepth {
		case 8, 16, 32:
		default:
			return fmt.Errorf("four_d.bitdepth must be 8, 16, or 32, got %d", c.FourD.BitDepth)
		}
		if c.FourD.ChunkSizeScanBin <= 0 {
			return fmt.Errorf("four_d.chunksize must be positive")
		}
		if c.FourD.DetBin <= 0 || c.NCam%c.FourD.DetBin != 0 {
			return fmt.Errorf("four_d.det_bin must evenly divide n_cam")
		}
		if c.FourD.Deflate < 0 || c.FourD.Deflate > 9 {
			return fmt.Errorf("four_d.deflate must be in [0, 9], got %d", c.FourD.Deflate)
		}
	}

	if c.Reducer.KernelSize < 0 {
		return fmt.Errorf("reducer.kernel_size must be non-negative")
	}
	if c.Reducer.NThreads < 0 {
		return fmt.Errorf("reducer.n_threads must be non-negative")
	}

	if c.Kernels.Electron.Enabled {
		if c.ElectronOutputPath == "" {
			return fmt.Errorf("kernels.electron.enabled requires electron_output_path")
		}
		if c.Kernels.Electron.ScanBin <= 0 || c.Kernels.Electron.DetBin <= 0 {
			return fmt.Errorf("kernels.electron.scan_bin and det_bin must be positive")
		}
	}

	for _, vd := range c.Kernels.VirtualDetectors {
		if vd.InRadius < 0 || vd.OutRadius < vd.InRadius {
			return fmt.Errorf("virtual detector %q has invalid radii [%d, %d]", vd.Name, vd.InRadius, vd.OutRadius)
		}
	}

	for _, mvd := range c.Kernels.MaskedVirtualDetectors {
		if mvd.MaskPath == "" {
			return fmt.Errorf("masked virtual detector %q requires mask_path", mvd.Name)
		}
	}

	if c.Kernels.Information.Enabled && c.Kernels.Information.ProbabilityPath == "" {
		return fmt.Errorf("kernels.information.enabled requires probability_path")
	}

	if c.Kernels.ROI.Enabled && c.Kernels.ROI.MaskPath == "" {
		if c.Kernels.ROI.UpperRight[0] <= c.Kernels.ROI.LowerLeft[0] || c.Kernels.ROI.UpperRight[1] <= c.Kernels.ROI.LowerLeft[1] {
			return fmt.Errorf("kernels.roi.upper_right must exceed lower_left in both dimensions")
		}
	}

	if c.BaseDir != "" {
		for _, p := range []string{c.ElectronOutputPath, c.FourD.OutputPath, c.LogDir} {
			if p == "" {
				continue
			}
			if err := validatePathInBaseDir(c.BaseDir, p); err != nil {
				return err
			}
		}
	}

	return nil
}
