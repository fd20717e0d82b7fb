package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/skypro1111/voice-session-service/internal/audio"
	"github.com/skypro1111/voice-session-service/internal/transcription"
)

// stubHandler implements the multipart transcription API with a canned answer.
type stubHandler struct {
	text      string
	language  string
	delay     time.Duration
	threshold float64
	logger    *zap.Logger
}

func (h *stubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		http.Error(w, "Audio must be a PCM WAV file", http.StatusBadRequest)
		return
	}

	amplitude := audio.MeanAbsAmplitude(samples)
	h.logger.Info("Transcription request received",
		zap.String("request_id", r.FormValue("request_id")),
		zap.String("session_id", r.FormValue("session_id")),
		zap.String("utterance_seq", r.FormValue("utterance_seq")),
		zap.String("filename", header.Filename),
		zap.Int("samples", len(samples)),
		zap.Int("sample_rate", rate),
		zap.Float64("amplitude", amplitude),
	)

	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-r.Context().Done():
			return
		}
	}

	// Near-silent audio yields an empty transcript, like a real recogniser.
	text := h.text
	if amplitude < h.threshold {
		text = ""
	}

	resp := transcription.TranscriptionResponse{
		RequestID:  r.FormValue("request_id"),
		Text:       text,
		Confidence: 0.95,
		Language:   h.language,
		Duration:   audio.Duration(len(samples), rate),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)

	h.logger.Info("Transcription response sent", zap.String("text", resp.Text))
}
