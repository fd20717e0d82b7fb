package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned for frames that are empty or not a whole
// number of 16-bit samples.
var ErrMalformedFrame = errors.New("malformed audio frame")

// Decode converts little-endian PCM16 bytes into samples. Zero-length and
// odd-length input is rejected.
func Decode(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d bytes", ErrMalformedFrame, len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// DecodeFrame decodes one transport frame of frameSamples samples. A frame of
// any other length is malformed; frameSamples <= 0 accepts any whole number
// of samples.
func DecodeFrame(data []byte, frameSamples int) ([]int16, error) {
	if frameSamples > 0 && len(data) != frameSamples*2 {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedFrame, len(data), frameSamples*2)
	}
	return Decode(data)
}

// Encode converts samples into little-endian PCM16 bytes.
func Encode(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// MeanAbsAmplitude returns the mean absolute sample value normalised to [0,1].
func MeanAbsAmplitude(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		v := int64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return float64(sum) / float64(len(samples)) / 32768.0
}

// Duration returns how long a run of samples lasts at the given rate.
func Duration(samples, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(samples) / float64(sampleRate)
}
