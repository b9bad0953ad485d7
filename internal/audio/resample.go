package audio

import "math"

// filterTaps is the length of the anti-aliasing FIR kernel.
const filterTaps = 31

// Resampler converts a mono stream between sample rates one chunk at a time.
// Interpolation position, the last input sample and the filter delay line
// carry over between calls, so consecutive 20 ms frames join without edge
// artifacts. A Resampler is not safe for concurrent use.
type Resampler struct {
	passthrough bool
	down        bool

	step  float64 // input samples advanced per output sample
	pos   float64 // next output position; 0 is the carried sample
	carry float32 // last input sample of the previous chunk

	kernel  []float32
	history []float32 // last filterTaps-1 samples fed to the filter
}

// NewResampler builds a resampler from srcRate to dstRate. The low-pass runs
// at the higher of the two rates: before interpolation when downsampling,
// after it when upsampling.
func NewResampler(srcRate, dstRate int) *Resampler {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 {
		return &Resampler{passthrough: true}
	}
	down := srcRate > dstRate
	filterRate := dstRate
	if down {
		filterRate = srcRate
	}
	return &Resampler{
		down:    down,
		step:    float64(srcRate) / float64(dstRate),
		kernel:  sincKernel(float64(min(srcRate, dstRate))/2, float64(filterRate), filterTaps),
		history: make([]float32, filterTaps-1),
	}
}

// Process resamples the next chunk. Output length follows len(in)*dst/src;
// for 8 kHz to 16 kHz every chunk exactly doubles. The stream is primed with
// one sample of silence, so the first output sample is zero.
func (r *Resampler) Process(in []float32) []float32 {
	if r.passthrough || len(in) == 0 {
		return in
	}
	if r.down {
		in = r.filter(in)
	}

	n := float64(len(in))
	out := make([]float32, 0, int(n/r.step)+1)
	for ; r.pos < n; r.pos += r.step {
		idx := int(r.pos)
		frac := float32(r.pos - float64(idx))
		prev := r.carry
		if idx > 0 {
			prev = in[idx-1]
		}
		out = append(out, prev*(1-frac)+in[idx]*frac)
	}
	r.pos -= n
	r.carry = in[len(in)-1]

	if !r.down {
		out = r.filter(out)
	}
	return out
}

// filter runs the causal FIR over in, continuing the previous call's delay line.
func (r *Resampler) filter(in []float32) []float32 {
	buf := make([]float32, 0, len(r.history)+len(in))
	buf = append(append(buf, r.history...), in...)

	out := make([]float32, len(in))
	for i := range in {
		window := buf[i : i+filterTaps]
		var sum float32
		for j, k := range r.kernel {
			sum += window[j] * k
		}
		out[i] = sum
	}
	r.history = buf[len(buf)-(filterTaps-1):]
	return out
}

// sincKernel builds a Blackman-windowed sinc normalized to unity DC gain.
func sincKernel(cutoff, sampleRate float64, taps int) []float32 {
	fc := cutoff / sampleRate
	half := taps / 2
	span := float64(taps - 1)
	kernel := make([]float32, taps)

	var sum float64
	for i := range taps {
		n := float64(i - half)
		sinc := 1.0
		if n != 0 {
			x := 2.0 * math.Pi * fc * n
			sinc = math.Sin(x) / x
		}
		w := 0.42 - 0.5*math.Cos(2.0*math.Pi*float64(i)/span) + 0.08*math.Cos(4.0*math.Pi*float64(i)/span)
		kernel[i] = float32(sinc * w)
		sum += sinc * w
	}

	scale := float32(1.0 / sum)
	for i := range kernel {
		kernel[i] *= scale
	}
	return kernel
}
