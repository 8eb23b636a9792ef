// Package audio converts between the carrier's companded narrowband format
// (G.711 mu-law, 8 kHz) and the voice agent's linear 16-bit PCM.
//
// All functions are pure and stateless: frames from different calls can be
// processed in any order. Ordering within a call is the bridge's job.
package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	// TelephonyFrameBytes is one 20 ms carrier frame: 160 mu-law samples.
	TelephonyFrameBytes = 160
	// AgentFrameBytes is the same 20 ms as little-endian 16-bit PCM.
	AgentFrameBytes = TelephonyFrameBytes * 2

	ulawBias = 0x84
	ulawClip = 32635
)

// TelephonyToAgent expands a mu-law frame to little-endian PCM16.
// Any frame length is accepted; output is twice the input length.
func TelephonyToAgent(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("audio: empty telephony frame")
	}
	out := make([]byte, len(frame)*2)
	for i, u := range frame {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(DecodeSample(u)))
	}
	return out, nil
}

// AgentToTelephony compands a little-endian PCM16 frame to mu-law.
// The input length must be even. Companding is lossy: a round trip through
// TelephonyToAgent reproduces amplitudes only within the quantization step.
func AgentToTelephony(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("audio: empty agent frame")
	}
	if len(frame)%2 != 0 {
		return nil, fmt.Errorf("audio: agent frame length %d is not 16-bit aligned", len(frame))
	}
	out := make([]byte, len(frame)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		out[i] = EncodeSample(s)
	}
	return out, nil
}

// DecodeSample expands one mu-law byte to a linear sample.
func DecodeSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + ulawBias
	value <<= uint(exp)
	value -= ulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// EncodeSample compands one linear sample to a mu-law byte.
func EncodeSample(sample int16) byte {
	s := int(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exp := byte(7)
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((s >> (uint(exp) + 3)) & 0x0F)
	return ^(sign | exp<<4 | mant)
}

// SilentTelephonyFrame returns one frame of mu-law silence. Used for hold
// audio padding while the agent leg is reconnecting.
func SilentTelephonyFrame() []byte {
	frame := make([]byte, TelephonyFrameBytes)
	for i := range frame {
		frame[i] = 0xFF // mu-law positive zero
	}
	return frame
}
