package audio

import (
	"math"
	"testing"
)

func sineFrame(samples int, freq, rate float64, amp float64, phaseOffset int) []byte {
	out := make([]byte, samples*2)
	for n := 0; n < samples; n++ {
		v := amp * math.Sin(2*math.Pi*freq*float64(n+phaseOffset)/rate)
		putSample(out, n, clamp16(v))
	}
	return out
}

func peakAmplitude(pcm []byte) float64 {
	var peak float64
	for i := 0; i+1 < len(pcm); i += 2 {
		v := math.Abs(float64(int16(pcm[i]) | int16(pcm[i+1])<<8))
		if v > peak {
			peak = v
		}
	}
	return peak
}

func TestUpsampleFrameSize(t *testing.T) {
	r := NewResampler()
	if _, err := r.Upsample(make([]byte, 100)); err != ErrInvalidFrameSize {
		t.Errorf("Upsample(100 bytes) err = %v, want ErrInvalidFrameSize", err)
	}
	out, err := r.Upsample(make([]byte, PCMFrameSize8k))
	if err != nil {
		t.Fatalf("Upsample: %v", err)
	}
	if len(out) != PCMFrameSize16k {
		t.Errorf("Upsample output = %d bytes, want %d", len(out), PCMFrameSize16k)
	}
}

func TestDownsampleFrameSize(t *testing.T) {
	r := NewResampler()
	if _, err := r.Downsample(make([]byte, PCMFrameSize8k)); err != ErrInvalidFrameSize {
		t.Errorf("Downsample(8k frame) err = %v, want ErrInvalidFrameSize", err)
	}
	out, err := r.Downsample(make([]byte, PCMFrameSize16k))
	if err != nil {
		t.Fatalf("Downsample: %v", err)
	}
	if len(out) != PCMFrameSize8k {
		t.Errorf("Downsample output = %d bytes, want %d", len(out), PCMFrameSize8k)
	}
}

// TestUpsamplePassband verifies a 1 kHz tone passes the interpolator within
// 1 dB once the filter has warmed up.
func TestUpsamplePassband(t *testing.T) {
	r := NewResampler()
	const amp = 12000.0

	var last []byte
	for frame := 0; frame < 10; frame++ {
		in := sineFrame(SamplesPerFrame8k, 1000, 8000, amp, frame*SamplesPerFrame8k)
		out, err := r.Upsample(in)
		if err != nil {
			t.Fatalf("Upsample: %v", err)
		}
		last = out
	}

	peak := peakAmplitude(last)
	low, high := amp*0.89, amp*1.12 // +/- 1 dB
	if peak < low || peak > high {
		t.Errorf("1 kHz peak after upsample = %.0f, want within [%.0f, %.0f]", peak, low, high)
	}
}

// TestRoundTripAmplitude verifies that 16k -> 8k -> 16k preserves a passband
// tone within 1 dB through the full cascade.
func TestRoundTripAmplitude(t *testing.T) {
	down := NewResampler()
	up := NewResampler()
	const amp = 12000.0

	var last []byte
	for frame := 0; frame < 10; frame++ {
		in := sineFrame(SamplesPerFrame16k, 1000, 16000, amp, frame*SamplesPerFrame16k)
		mid, err := down.Downsample(in)
		if err != nil {
			t.Fatalf("Downsample: %v", err)
		}
		out, err := up.Upsample(mid)
		if err != nil {
			t.Fatalf("Upsample: %v", err)
		}
		last = out
	}

	peak := peakAmplitude(last)
	low, high := amp*0.89, amp*1.12
	if peak < low || peak > high {
		t.Errorf("round-trip peak = %.0f, want within [%.0f, %.0f]", peak, low, high)
	}
}

// TestDownsampleRejectsStopband verifies a 6 kHz tone (above the 4 kHz
// Nyquist of the 8 kHz output) is attenuated by at least 40 dB.
func TestDownsampleRejectsStopband(t *testing.T) {
	r := NewResampler()
	const amp = 12000.0

	var last []byte
	for frame := 0; frame < 10; frame++ {
		in := sineFrame(SamplesPerFrame16k, 6000, 16000, amp, frame*SamplesPerFrame16k)
		out, err := r.Downsample(in)
		if err != nil {
			t.Fatalf("Downsample: %v", err)
		}
		last = out
	}

	peak := peakAmplitude(last)
	if peak > amp/100 { // -40 dB
		t.Errorf("6 kHz peak after downsample = %.0f, want < %.0f", peak, amp/100)
	}
}

// TestStatePreservedAcrossFrames verifies continuity: a steady sine fed
// frame by frame must produce a smooth output with no discontinuity at the
// frame boundaries. A phase reset between frames would show up as a jump far
// larger than the tone's natural sample-to-sample slope.
func TestStatePreservedAcrossFrames(t *testing.T) {
	r := NewResampler()
	var out []byte
	for frame := 0; frame < 6; frame++ {
		in := sineFrame(SamplesPerFrame8k, 700, 8000, 9000, frame*SamplesPerFrame8k)
		o, err := r.Upsample(in)
		if err != nil {
			t.Fatalf("Upsample: %v", err)
		}
		out = append(out, o...)
	}

	// Max natural slope of a 700 Hz/9000-amplitude sine at 16 kHz is
	// amp*2*pi*700/16000 ~= 2470 per sample; allow headroom for ripple.
	const maxDelta = 3500
	// Skip the filter warmup at the start.
	start := firTaps * 2
	var prev int16
	for i := start; i+1 < len(out); i += 2 {
		s := int16(out[i]) | int16(out[i+1])<<8
		if i > start {
			delta := int(s) - int(prev)
			if delta < 0 {
				delta = -delta
			}
			if delta > maxDelta {
				t.Fatalf("discontinuity at sample %d: delta %d", i/2, delta)
			}
		}
		prev = s
	}
}

func TestResetClearsState(t *testing.T) {
	r := NewResampler()
	loud := sineFrame(SamplesPerFrame8k, 1000, 8000, 20000, 0)
	if _, err := r.Upsample(loud); err != nil {
		t.Fatalf("Upsample: %v", err)
	}
	r.Reset()

	out, err := r.Upsample(make([]byte, PCMFrameSize8k))
	if err != nil {
		t.Fatalf("Upsample: %v", err)
	}
	if peak := peakAmplitude(out); peak != 0 {
		t.Errorf("output after Reset with silence input has peak %.0f, want 0", peak)
	}
}
