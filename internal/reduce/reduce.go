// Package reduce implements the reducer driver: it turns the center-of-mass
// accumulators an event decoder feeds via kernel.COM into a reconstructed
// intensity image, one scan line behind the decoder, using an
// integrated-gradient convolution kernel. Grounded on Ricom.cpp/Ricom.h's
// line_processor/icom_group_classical driver loop.
package reduce

import (
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/eventem-go/internal/kernel"
	"github.com/nishisan-dev/eventem-go/internal/progress"
)

// Config mirrors the subset of Ricom's configuration that drives
// reconstruction: scan shape, repetition count, kernel geometry, and the
// cumulative/continuous/update-offset run-mode flags.
type Config struct {
	NX, NY, Rep int
	NCam        int

	KernelSize int
	Rotation   float64

	NThreads int

	Cumulative   bool // b_cumulative
	Continuous   bool // b_continuous
	UpdateOffset bool
	AutoOffset   bool
	OffsetX      float64
	OffsetY      float64
}

// Reducer drives the line-delayed convolution one scan line at a time, as
// the decoder finishes each line of center-of-mass accumulation, grounded on
// the Ricom class.
type Reducer struct {
	cfg    Config
	com    *kernel.COM
	kernel Kernel
	pool   *BoundedPool
	mon    *progress.Monitor

	mu               sync.Mutex
	comX, comY       []float64
	ricomImage       []float64   // continuous/live reconstruction, reset per image unless Continuous
	ricomImageStack  [][]float64 // one slice per repetition, length Rep+1
	offset           [2]float64
	comSum           [2]float64
	imgNum           int
	rcQuit           atomic.Bool
}

// New constructs a Reducer. com is the COM kernel the decoder is feeding;
// mon is the progress monitor whose processor-line field this reducer
// advances and eventually sets to progress.QuitSentinel.
func New(cfg Config, com *kernel.COM, mon *progress.Monitor) *Reducer {
	r := &Reducer{cfg: cfg, com: com, mon: mon}
	r.kernel = Kernel{Size: cfg.KernelSize, Rotation: cfg.Rotation}
	r.kernel.Compute()
	if cfg.NThreads > 1 {
		r.pool = NewBoundedPool(cfg.NThreads)
	}
	r.Reset()
	return r
}

// Reset reinitializes every image buffer and the run's offset, grounded on
// Ricom::reset().
func (r *Reducer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	nxy := r.cfg.NX * r.cfg.NY
	r.comX = make([]float64, nxy)
	r.comY = make([]float64, nxy)
	r.ricomImage = make([]float64, nxy)
	r.ricomImageStack = make([][]float64, r.cfg.Rep+1)
	for i := range r.ricomImageStack {
		r.ricomImageStack[i] = make([]float64, nxy)
	}
	r.imgNum = 0
	if r.cfg.AutoOffset {
		r.offset = [2]float64{float64(r.cfg.NCam) / 2, float64(r.cfg.NCam) / 2}
	} else {
		r.offset = [2]float64{r.cfg.OffsetX, r.cfg.OffsetY}
	}
	r.rcQuit.Store(false)
}

// AdvanceLine is called once every time the decoder finishes scan line
// lineInRun (0-based, counting across every repetition so far), mirroring
// the body of Ricom::line_processor gated on fr_count/nx advancing. ppID is
// (lineInRun mod NY)*NX, the probe position of the line's first pixel within
// its image.
func (r *Reducer) AdvanceLine(lineInRun int) {
	ppID := (lineInRun % r.cfg.NY) * r.cfg.NX
	imgNum := lineInRun / r.cfg.NY
	bufParity := uint16(imgNum % 2)

	dose, sumX, sumY := r.com.Row(bufParity, ppID, r.cfg.NX)

	r.mu.Lock()
	var comSum [2]float64
	for i := 0; i < len(dose); i++ {
		idx := ppID + i
		if dose[i] == 0 {
			r.comX[idx] = r.offset[0]
			r.comY[idx] = r.offset[1]
		} else {
			r.comX[idx] = float64(sumX[i]) / float64(dose[i])
			r.comY[idx] = float64(sumY[i]) / float64(dose[i])
		}
		comSum[0] += r.comX[idx]
		comSum[1] += r.comY[idx]
	}
	r.comSum[0] += comSum[0]
	r.comSum[1] += comSum[1]
	r.imgNum = imgNum
	r.mu.Unlock()

	if r.mon != nil {
		r.mon.SetProcessorLine(int64(lineInRun))
	}

	task := func() { r.icomGroupClassical(ppID, imgNum) }
	if r.pool != nil {
		r.pool.Submit(task)
	} else {
		task()
	}

	if (lineInRun+1)%r.cfg.NY == 0 {
		r.endOfImage(imgNum)
	}
}

// icomGroupClassical convolves the just-completed line against the kernel
// against the kernel_size lines above and below it, lagging ready lines by
// kernel_size so every tap stays in bounds, grounded on
// Ricom::icom_group_classical().
func (r *Reducer) icomGroupClassical(ppID, idImage int) {
	ks := r.cfg.KernelSize
	nx := r.cfg.NX
	kw := r.kernel.Width

	if ppID/nx-2*ks < 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stack := r.ricomImageStack[idImage%len(r.ricomImageStack)]
	n := len(r.comX)

	for iy := -ks; iy <= ks; iy++ {
		idrDelayBase := ppID - ks*nx
		idk0 := (ks + iy) * kw
		for iLine := 0; iLine < nx; iLine++ {
			idrDelay := idrDelayBase + iLine
			idc := idrDelay + iy*nx
			idrX := idrDelay % nx
			idk := idk0
			for ix := -ks; ix <= ks; ix++ {
				if idrX+ix >= 0 && idrX+ix < nx && idc+ix >= 0 && idc+ix < n && idrDelay >= 0 && idrDelay < n {
					dx := r.comX[idc+ix] - r.offset[0]
					dy := r.comY[idc+ix] - r.offset[1]
					v := dx*(-r.kernel.X[idk]) + dy*(-r.kernel.Y[idk])
					r.ricomImage[idrDelay] += v
					stack[idrDelay] += v
				}
				idk++
			}
		}
	}
}

// endOfImage runs once a repetition's last line has been dispatched: it
// frees the COM double buffer slot that repetition used, counts the frame
// for the progress monitor, rebases the offset to the running mean
// center-of-mass if configured, and resets the continuous image if this is
// not a cumulative/continuous run.
func (r *Reducer) endOfImage(imgNum int) {
	r.com.ResetSlot(uint16(imgNum % 2))
	if r.mon != nil {
		r.mon.CountFrame()
	}

	r.mu.Lock()
	if r.cfg.UpdateOffset {
		n := float64(r.cfg.NX * r.cfg.NY)
		r.offset[0] = r.comSum[0] / n
		r.offset[1] = r.comSum[1] / n
	}
	r.comSum = [2]float64{}
	if !r.cfg.Cumulative && !r.cfg.Continuous {
		for i := range r.ricomImage {
			r.ricomImage[i] = 0
		}
	}
	r.mu.Unlock()

	if imgNum+1 >= r.cfg.Rep && !r.cfg.Continuous {
		r.Finish()
	}
}

// Finish drains the worker pool and signals run completion via
// progress.QuitSentinel, grounded on line_processor's "end of recon
// handler".
func (r *Reducer) Finish() {
	if r.pool != nil {
		r.pool.WaitForCompletion()
		r.pool.Close()
	}
	if r.mon != nil {
		r.mon.SetProcessorLine(progress.QuitSentinel)
	}
	r.rcQuit.Store(true)
}

// Stopped reports whether Finish has run.
func (r *Reducer) Stopped() bool { return r.rcQuit.Load() }

// RicomImage returns a copy of the live (continuous or per-image)
// reconstruction.
func (r *Reducer) RicomImage() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.ricomImage))
	copy(out, r.ricomImage)
	return out
}

// RicomImageStack returns a copy of the finished reconstruction for
// repetition idImage.
func (r *Reducer) RicomImageStack(idImage int) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idImage < 0 || idImage >= len(r.ricomImageStack) {
		return nil
	}
	out := make([]float64, len(r.ricomImageStack[idImage]))
	copy(out, r.ricomImageStack[idImage])
	return out
}

// Offset returns the current center-of-mass offset.
func (r *Reducer) Offset() (x, y float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset[0], r.offset[1]
}
