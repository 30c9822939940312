package audio

import (
	"errors"
	"time"

	"github.com/zaf/g711"
)

// Frame sizes for the fixed 20 ms packetization interval.
const (
	FrameDuration = 20 * time.Millisecond

	// SamplesPerFrame8k is the number of samples in a 20 ms frame at 8 kHz.
	SamplesPerFrame8k = 160
	// SamplesPerFrame16k is the number of samples in a 20 ms frame at 16 kHz.
	SamplesPerFrame16k = 320

	// G711FrameSize is the byte length of a 20 ms G.711 frame (1 byte/sample).
	G711FrameSize = 160
	// PCMFrameSize8k is the byte length of a 20 ms PCM16LE frame at 8 kHz.
	PCMFrameSize8k = 320
	// PCMFrameSize16k is the byte length of a 20 ms PCM16LE frame at 16 kHz.
	PCMFrameSize16k = 640
)

// ErrInvalidFrameSize is returned when a frame does not match the fixed
// 20 ms packetization size for its sample rate.
var ErrInvalidFrameSize = errors.New("audio: invalid frame size")

// EncodePCMU encodes a 20 ms PCM16LE frame at 8 kHz to G.711 u-law.
func EncodePCMU(pcm []byte) ([]byte, error) {
	if len(pcm) != PCMFrameSize8k {
		return nil, ErrInvalidFrameSize
	}
	out := make([]byte, G711FrameSize)
	for i, j := 0, 0; i < G711FrameSize; i, j = i+1, j+2 {
		out[i] = g711.EncodeUlawFrame(int16(pcm[j]) | int16(pcm[j+1])<<8)
	}
	return out, nil
}

// DecodePCMU decodes a 20 ms G.711 u-law frame to PCM16LE at 8 kHz.
func DecodePCMU(ulaw []byte) ([]byte, error) {
	if len(ulaw) != G711FrameSize {
		return nil, ErrInvalidFrameSize
	}
	out := make([]byte, PCMFrameSize8k)
	for i, j := 0, 0; i < G711FrameSize; i, j = i+1, j+2 {
		sample := g711.DecodeUlawFrame(ulaw[i])
		out[j] = byte(sample)
		out[j+1] = byte(sample >> 8)
	}
	return out, nil
}

// EncodePCMA encodes a 20 ms PCM16LE frame at 8 kHz to G.711 A-law.
func EncodePCMA(pcm []byte) ([]byte, error) {
	if len(pcm) != PCMFrameSize8k {
		return nil, ErrInvalidFrameSize
	}
	out := make([]byte, G711FrameSize)
	for i, j := 0, 0; i < G711FrameSize; i, j = i+1, j+2 {
		out[i] = g711.EncodeAlawFrame(int16(pcm[j]) | int16(pcm[j+1])<<8)
	}
	return out, nil
}

// DecodePCMA decodes a 20 ms G.711 A-law frame to PCM16LE at 8 kHz.
func DecodePCMA(alaw []byte) ([]byte, error) {
	if len(alaw) != G711FrameSize {
		return nil, ErrInvalidFrameSize
	}
	out := make([]byte, PCMFrameSize8k)
	for i, j := 0, 0; i < G711FrameSize; i, j = i+1, j+2 {
		sample := g711.DecodeAlawFrame(alaw[i])
		out[j] = byte(sample)
		out[j+1] = byte(sample >> 8)
	}
	return out, nil
}

// AttenuateFrame returns a copy of a PCM16LE frame scaled to roughly -3 dB
// (multiplied by 0.708). Used for packet loss concealment, where the previous
// frame is replayed at reduced level.
func AttenuateFrame(pcm []byte) []byte {
	out := make([]byte, len(pcm))
	for j := 0; j+1 < len(pcm); j += 2 {
		sample := int16(pcm[j]) | int16(pcm[j+1])<<8
		// 0.708 ~= 23203/32768
		scaled := int16(int32(sample) * 23203 >> 15)
		out[j] = byte(scaled)
		out[j+1] = byte(scaled >> 8)
	}
	return out
}
