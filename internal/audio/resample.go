package audio

import "math"

// Resampler converts 20 ms PCM16LE frames between 8 kHz and 16 kHz using a
// fixed polyphase FIR lowpass. Filter history is preserved across frames so
// consecutive frames continue without a phase reset; each media pipeline owns
// one Resampler per direction.
//
// The prototype filter is a Blackman-windowed sinc with its passband flat to
// 3.4 kHz and better than 40 dB rejection beyond 4 kHz at the 16 kHz rate.
type Resampler struct {
	upHist   []int16 // last input samples for the interpolation filter
	downHist []int16 // last input samples for the decimation filter
}

const (
	// firTaps is the prototype lowpass length. 161 taps with a Blackman
	// window gives a ~550 Hz transition band at 16 kHz: flat to 3.4 kHz,
	// >70 dB down past 4 kHz.
	firTaps = 161

	// firCutoff is the normalized cutoff frequency (fraction of the 16 kHz
	// sample rate), centered between the 3.4 kHz passband edge and 4 kHz.
	firCutoff = 0.23125 // 3.7 kHz
)

// lowpass holds the prototype coefficients, DC-normalized to unit gain.
var lowpass = buildLowpass()

func buildLowpass() [firTaps]float64 {
	var h [firTaps]float64
	m := float64(firTaps-1) / 2
	var sum float64
	for k := 0; k < firTaps; k++ {
		t := float64(k) - m
		var s float64
		if t == 0 {
			s = 2 * firCutoff
		} else {
			s = math.Sin(2*math.Pi*firCutoff*t) / (math.Pi * t)
		}
		// Blackman window.
		w := 0.42 - 0.5*math.Cos(2*math.Pi*float64(k)/float64(firTaps-1)) +
			0.08*math.Cos(4*math.Pi*float64(k)/float64(firTaps-1))
		h[k] = s * w
		sum += h[k]
	}
	for k := range h {
		h[k] /= sum
	}
	return h
}

// upPhaseLen is the per-phase length of the polyphase decomposition used by
// the interpolator: phase 0 takes the even-indexed coefficients.
const upPhaseLen = (firTaps + 1) / 2

// NewResampler creates a resampler with zeroed filter state.
func NewResampler() *Resampler {
	return &Resampler{
		upHist:   make([]int16, upPhaseLen-1),
		downHist: make([]int16, firTaps-1),
	}
}

// Reset clears the filter history. Used when the stream restarts (e.g. on an
// SSRC change) so stale samples do not bleed into the new stream.
func (r *Resampler) Reset() {
	for i := range r.upHist {
		r.upHist[i] = 0
	}
	for i := range r.downHist {
		r.downHist[i] = 0
	}
}

// Upsample converts a 20 ms PCM16LE frame at 8 kHz (320 bytes) to 16 kHz
// (640 bytes). The polyphase structure computes both output phases directly
// from the 8 kHz input, with a gain of 2 to compensate for zero insertion.
func (r *Resampler) Upsample(pcm []byte) ([]byte, error) {
	if len(pcm) != PCMFrameSize8k {
		return nil, ErrInvalidFrameSize
	}

	in := pcmToSamples(pcm)
	ext := make([]int16, 0, len(r.upHist)+len(in))
	ext = append(ext, r.upHist...)
	ext = append(ext, in...)

	out := make([]byte, PCMFrameSize16k)
	for n := 0; n < SamplesPerFrame8k; n++ {
		pos := n + len(r.upHist)
		var even, odd float64
		for j := 0; j < upPhaseLen && j <= pos; j++ {
			x := float64(ext[pos-j])
			even += lowpass[2*j] * x
			if 2*j+1 < firTaps {
				odd += lowpass[2*j+1] * x
			}
		}
		putSample(out, 2*n, clamp16(2*even))
		putSample(out, 2*n+1, clamp16(2*odd))
	}

	copy(r.upHist, ext[len(ext)-len(r.upHist):])
	return out, nil
}

// Downsample converts a 20 ms PCM16LE frame at 16 kHz (640 bytes) to 8 kHz
// (320 bytes) by lowpass filtering and decimating by two.
func (r *Resampler) Downsample(pcm []byte) ([]byte, error) {
	if len(pcm) != PCMFrameSize16k {
		return nil, ErrInvalidFrameSize
	}

	in := pcmToSamples(pcm)
	ext := make([]int16, 0, len(r.downHist)+len(in))
	ext = append(ext, r.downHist...)
	ext = append(ext, in...)

	out := make([]byte, PCMFrameSize8k)
	for n := 0; n < SamplesPerFrame8k; n++ {
		pos := 2*n + len(r.downHist)
		var acc float64
		for k := 0; k < firTaps && k <= pos; k++ {
			acc += lowpass[k] * float64(ext[pos-k])
		}
		putSample(out, n, clamp16(acc))
	}

	copy(r.downHist, ext[len(ext)-len(r.downHist):])
	return out, nil
}

func pcmToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}

func putSample(dst []byte, i int, s int16) {
	dst[2*i] = byte(s)
	dst[2*i+1] = byte(s >> 8)
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(v))
	}
}
