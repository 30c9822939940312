package dtmf

import "math"

// DTMF tone groups (Hz).
var (
	lowTones  = [4]float64{697, 770, 852, 941}
	highTones = [4]float64{1209, 1336, 1477, 1633}
)

// digitGrid maps (low index, high index) to the DTMF digit.
var digitGrid = [4][4]string{
	{"1", "2", "3", "A"},
	{"4", "5", "6", "B"},
	{"7", "8", "9", "C"},
	{"*", "0", "#", "D"},
}

const (
	detectorRate    = 8000
	frameSamples    = 160 // 20 ms
	qualifyFrames   = 2   // digit must persist >= 40 ms
	debounceFrames  = 2   // previous digit must have ended >= 40 ms ago
	frameDurationMs = 20

	// twistLimit is the maximum power of the second-strongest tone in a
	// group relative to the strongest: -6 dB.
	twistLimit = 0.251

	// minToneShare is the fraction of total frame energy the two detected
	// tones must carry. Guards against speech triggering the grid.
	minToneShare = 0.6

	// floorEnergy is the absolute per-tone energy floor; below this the
	// frame is treated as silence regardless of relative levels. The
	// adaptive threshold never drops under it.
	floorEnergy = 1e6
)

// Detector finds in-band DTMF digits in 20 ms PCM16LE frames at 8 kHz using
// the Goertzel algorithm. A digit is reported once it has persisted for at
// least two frames, with a two-frame debounce after the previous digit ends.
type Detector struct {
	candidate      string
	candidateRun   int
	emitted        bool
	framesSinceEnd int // frames since the previously emitted digit ended
	noiseEstimate  float64 // adaptive energy threshold input
	haveNoiseLevel bool
}

// NewDetector creates an in-band detector with cleared state.
func NewDetector() *Detector {
	return &Detector{framesSinceEnd: debounceFrames}
}

// goertzelPower computes the squared magnitude of one frequency bin.
func goertzelPower(samples []int16, freq float64) float64 {
	coeff := 2 * math.Cos(2*math.Pi*freq/detectorRate)
	var s0, s1, s2 float64
	for _, v := range samples {
		s0 = float64(v) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

// classify returns the digit carried by one frame, or "" if none.
func (d *Detector) classify(samples []int16) string {
	var total float64
	for _, v := range samples {
		total += float64(v) * float64(v)
	}

	var low, high [4]float64
	for i := range lowTones {
		low[i] = goertzelPower(samples, lowTones[i])
		high[i] = goertzelPower(samples, highTones[i])
	}

	bestLow, secondLow := strongest(low)
	bestHigh, secondHigh := strongest(high)

	// Adaptive threshold: follow the ambient energy with a slow filter so a
	// noisy line needs proportionally stronger tones.
	threshold := floorEnergy
	if d.haveNoiseLevel && d.noiseEstimate*4 > threshold {
		threshold = d.noiseEstimate * 4
	}

	if low[bestLow] < threshold || high[bestHigh] < threshold {
		d.trackNoise(total)
		return ""
	}
	// Twist check within each group.
	if low[secondLow] > low[bestLow]*twistLimit || high[secondHigh] > high[bestHigh]*twistLimit {
		d.trackNoise(total)
		return ""
	}
	// The pair must dominate the frame. Goertzel power of a pure tone of
	// amplitude A over N samples is ~(A*N/2)^2; frame energy is A^2*N/2,
	// so normalize before comparing.
	toneEnergy := (low[bestLow] + high[bestHigh]) * 2 / frameSamples
	if total == 0 || toneEnergy < total*minToneShare {
		d.trackNoise(total)
		return ""
	}

	return digitGrid[bestLow][bestHigh]
}

func (d *Detector) trackNoise(frameEnergy float64) {
	// Per-bin scale comparable to Goertzel output.
	binScale := frameEnergy * frameSamples / 8
	if !d.haveNoiseLevel {
		d.noiseEstimate = binScale
		d.haveNoiseLevel = true
		return
	}
	d.noiseEstimate += (binScale - d.noiseEstimate) / 8
}

func strongest(bins [4]float64) (best, second int) {
	best = 0
	for i := 1; i < 4; i++ {
		if bins[i] > bins[best] {
			best = i
		}
	}
	second = -1
	for i := 0; i < 4; i++ {
		if i == best {
			continue
		}
		if second == -1 || bins[i] > bins[second] {
			second = i
		}
	}
	return best, second
}

// Process consumes one 20 ms PCM16LE frame at 8 kHz and returns a digit
// event once per key press, or nil. Frames of other sizes are ignored.
func (d *Detector) Process(pcm []byte) *Event {
	if len(pcm) != frameSamples*2 {
		return nil
	}
	samples := make([]int16, frameSamples)
	for i := range samples {
		samples[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}

	digit := d.classify(samples)

	// An already-reported digit still held down: keep the debounce clock
	// at zero and report nothing further.
	if digit != "" && d.emitted && digit == d.candidate {
		d.candidateRun++
		d.framesSinceEnd = 0
		return nil
	}

	if d.framesSinceEnd < debounceFrames {
		d.framesSinceEnd++
	}

	if digit == "" {
		d.candidate = ""
		d.candidateRun = 0
		d.emitted = false
		return nil
	}

	if digit != d.candidate {
		d.candidate = digit
		d.candidateRun = 1
		d.emitted = false
		return nil
	}

	d.candidateRun++
	if d.candidateRun < qualifyFrames || d.framesSinceEnd < debounceFrames {
		return nil
	}

	d.emitted = true
	return &Event{
		Digit:      digit,
		DurationMs: d.candidateRun * frameDurationMs,
		Method:     MethodInband,
	}
}
