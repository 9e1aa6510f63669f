package reduce

import "math"

// Kernel holds the separable-looking but genuinely 2D integrated-gradient
// weights used to turn a center-of-mass shift image into a reconstructed
// intensity image, grounded on Ricom.cpp's Ricom_kernel::compute_kernel().
type Kernel struct {
	Size     int // kernel_size: half-width, excluding the center pixel
	Rotation float64

	Width int // k_width_sym = Size*2+1
	Area  int // k_width_sym^2

	X []float64 // kernel_x, length Area
	Y []float64 // kernel_y, length Area
}

// Compute fills in Width, Area, X and Y for the configured Size and
// Rotation. The frequency filter path (compute_filter/include_filter in the
// source) is left unimplemented here too: it is commented out in the
// original and never reaches a built binary.
func (k *Kernel) Compute() {
	rot := math.Pi * k.Rotation / 180
	cosRot := math.Cos(rot)
	sinRot := math.Sin(rot)

	k.Width = k.Size*2 + 1
	k.Area = k.Width * k.Width
	k.X = make([]float64, k.Area)
	k.Y = make([]float64, k.Area)

	for iy := 0; iy < k.Width; iy++ {
		iyE := (iy+1)*k.Width - 1
		for ix := 0; ix < k.Width; ix++ {
			ixS := float64(ix - k.Size)
			iyS := float64(iy - k.Size)
			d := ixS*ixS + iyS*iyS
			ixE := k.Area - iyE + ix - 1

			if d > 0 {
				ixSD := ixS / d
				iySD := iyS / d
				k.X[ixE] = cosRot*ixSD - sinRot*iySD
				k.Y[ixE] = sinRot*ixSD + cosRot*iySD
			}
		}
	}
}

// ApproximateFrequencies estimates the kernel's frequency response over an
// nxIm-wide image, grounded on Ricom_kernel::approximate_frequencies(); used
// only for diagnostic reporting, never for reconstruction itself.
func (k *Kernel) ApproximateFrequencies(nxIm int) []float64 {
	out := make([]float64, nxIm)
	kw := float64(k.Size * 2)
	fMax := 0.0
	for i := 0; i < nxIm; i++ {
		x := 2 * float64(i) * math.Pi
		if x == 0 {
			continue
		}
		v := (float64(nxIm) / x) * (1 - math.Cos(kw/2*(x/float64(nxIm))))
		out[i] = v
		if v > fMax {
			fMax = v
		}
	}
	if fMax != 0 {
		for i := range out {
			out[i] /= fMax
		}
	}
	return out
}
