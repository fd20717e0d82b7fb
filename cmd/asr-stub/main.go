// Command asr-stub is a development transcription server speaking the same
// multipart protocol as the http engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skypro1111/voice-session-service/internal/config"
	"github.com/skypro1111/voice-session-service/internal/logging"
)

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "hello", "Transcript returned for non-silent audio")
	language := flag.String("language", "en", "Language reported in responses")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	threshold := flag.Float64("silence-threshold", 0.005, "Mean amplitude below which audio is treated as silence")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, err := logging.New(config.LoggingConfig{Level: *logLevel, Format: "console", Output: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	mux := http.NewServeMux()
	mux.Handle("/transcribe", &stubHandler{
		text:      *text,
		language:  *language,
		delay:     *delay,
		threshold: *threshold,
		logger:    logger,
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ASR stub listening",
			zap.String("address", *addr),
			zap.String("endpoint", "/transcribe"),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}
}
