package audio

import (
	"math"
	"testing"
)

func TestEncodeWAV(t *testing.T) {
	// 440Hz sine wave for 0.1 seconds at 16kHz
	sampleRate := 16000
	numSamples := sampleRate / 10
	samples := make([]int16, numSamples)
	for i := 0; i < numSamples; i++ {
		ts := float64(i) / float64(sampleRate)
		samples[i] = int16(16383.0 * math.Sin(2*math.Pi*440*ts))
	}

	wavData, err := EncodeWAV(samples, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(wavData) < 44+len(samples)*2 {
		t.Errorf("Expected at least %d bytes, got %d", 44+len(samples)*2, len(wavData))
	}
	if string(wavData[0:4]) != "RIFF" || string(wavData[8:12]) != "WAVE" {
		t.Errorf("Missing RIFF/WAVE markers")
	}
}

func TestDecodeWAV(t *testing.T) {
	originalSamples := []int16{100, -200, 300, -400, 500, 32767, -32768}
	sampleRate := 16000

	wavData, err := EncodeWAV(originalSamples, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	decoded, rate, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if rate != sampleRate {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, rate)
	}
	if len(decoded) != len(originalSamples) {
		t.Fatalf("Expected %d samples, got %d", len(originalSamples), len(decoded))
	}
	for i := range originalSamples {
		if decoded[i] != originalSamples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, originalSamples[i], decoded[i])
		}
	}
}

func TestEncodeWAVEmpty(t *testing.T) {
	if _, err := EncodeWAV([]int16{}, 16000); err == nil {
		t.Error("Expected error for empty samples")
	}
}

func TestEncodeWAVInvalidSampleRate(t *testing.T) {
	for _, rate := range []int{0, -16000} {
		if _, err := EncodeWAV([]int16{1, 2, 3}, rate); err == nil {
			t.Errorf("Expected error for sample rate %d", rate)
		}
	}
}

func TestDecodeWAVGarbage(t *testing.T) {
	if _, _, err := DecodeWAV([]byte("definitely not a wav file at all, just text padding")); err == nil {
		t.Error("Expected error for invalid WAV data")
	}
}

func TestWriteSeekerPatchesEarlierBytes(t *testing.T) {
	ws := &writeSeeker{}
	ws.Write([]byte("abcdef"))
	if _, err := ws.Seek(2, 0); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	ws.Write([]byte("XY"))
	if string(ws.buf) != "abXYef" {
		t.Errorf("Expected abXYef, got %s", ws.buf)
	}
	if _, err := ws.Seek(-1, 0); err == nil {
		t.Error("Expected error for negative seek")
	}
}
