// Command voice-client streams a WAV file, or a synthetic tone followed by
// silence, to the voice session server in real time and prints the events
// it receives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skypro1111/voice-session-service/internal/audio"
	"github.com/skypro1111/voice-session-service/internal/client"
	"github.com/skypro1111/voice-session-service/internal/config"
	"github.com/skypro1111/voice-session-service/internal/discovery"
	"github.com/skypro1111/voice-session-service/internal/logging"
	"github.com/skypro1111/voice-session-service/internal/protocol"
)

func main() {
	serverURL := flag.String("server", "", "Server websocket URL; discovered over mDNS when empty")
	service := flag.String("service", discovery.DefaultService, "mDNS service type to browse for")
	wavPath := flag.String("wav", "", "16 kHz mono PCM WAV file to stream")
	toneSeconds := flag.Float64("tone", 2, "Seconds of synthetic tone when no WAV is given")
	silenceSeconds := flag.Float64("silence", 2, "Seconds of silence appended after the audio")
	frameSamples := flag.Int("frame", 4096, "Samples per websocket frame (must match the server's audio.frame_sample_count)")
	linger := flag.Duration("linger", 5*time.Second, "How long to keep listening after the audio ends")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, err := logging.New(config.LoggingConfig{Level: *logLevel, Format: "console", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, options{
		serverURL:      *serverURL,
		service:        *service,
		wavPath:        *wavPath,
		toneSeconds:    *toneSeconds,
		silenceSeconds: *silenceSeconds,
		frameSamples:   *frameSamples,
		linger:         *linger,
	}); err != nil {
		logger.Error("Client failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

type options struct {
	serverURL      string
	service        string
	wavPath        string
	toneSeconds    float64
	silenceSeconds float64
	frameSamples   int
	linger         time.Duration
}

func run(ctx context.Context, logger *zap.Logger, opts options) error {
	if opts.frameSamples <= 0 {
		return fmt.Errorf("frame must be positive")
	}

	samples, err := loadAudio(opts)
	if err != nil {
		return err
	}
	// the server only accepts whole frames; pad the tail with silence
	if rem := len(samples) % opts.frameSamples; rem != 0 {
		samples = append(samples, make([]int16, opts.frameSamples-rem)...)
	}

	url := opts.serverURL
	if url == "" {
		logger.Info("Browsing for server", zap.String("service", opts.service))
		endpoints, err := discovery.Browse(ctx, opts.service, 3*time.Second)
		if err != nil {
			return err
		}
		if len(endpoints) == 0 {
			return errors.New("no server found; pass -server")
		}
		url = endpoints[0].URL()
		logger.Info("Discovered server", zap.String("name", endpoints[0].Name), zap.String("url", url))
	}

	c, err := client.New(client.Config{
		URL:        url,
		SampleRate: config.RequiredSampleRate,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	connected := make(chan struct{}, 1)
	c.OnStateChange(func(from, to client.State) {
		logger.Info("Connection state", zap.Stringer("from", from), zap.Stringer("to", to))
		if to == client.StateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(runCtx) }()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for e := range c.Events() {
			printEvent(e)
		}
	}()

	select {
	case <-connected:
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return nil
	}

	if err := stream(runCtx, c, samples, opts.frameSamples); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	select {
	case <-time.After(opts.linger):
	case <-ctx.Done():
	case err := <-runErr:
		return err
	}

	cancel()
	err = <-runErr
	<-printed
	return err
}

func loadAudio(opts options) ([]int16, error) {
	silence := make([]int16, int(opts.silenceSeconds*float64(config.RequiredSampleRate)))

	if opts.wavPath == "" {
		return append(toneSamples(opts.toneSeconds, 440, 0.1), silence...), nil
	}

	f, err := os.Open(opts.wavPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav: %w", err)
	}
	defer f.Close()

	samples, rate, err := audio.ReadWAV(f)
	if err != nil {
		return nil, err
	}
	if rate != config.RequiredSampleRate {
		return nil, fmt.Errorf("wav sample rate is %d Hz, server requires %d Hz", rate, config.RequiredSampleRate)
	}
	return append(samples, silence...), nil
}

func toneSamples(seconds, freq, level float64) []int16 {
	n := int(seconds * float64(config.RequiredSampleRate))
	out := make([]int16, n)
	for i := range out {
		v := math.Sin(2*math.Pi*freq*float64(i)/float64(config.RequiredSampleRate)) * level
		out[i] = int16(v * math.MaxInt16)
	}
	return out
}

// stream sends samples in frames paced at real time, waiting out reconnects.
func stream(ctx context.Context, c *client.Client, samples []int16, frameSamples int) error {
	frameDuration := time.Duration(frameSamples) * time.Second / time.Duration(config.RequiredSampleRate)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for start := 0; start < len(samples); {
		end := min(start+frameSamples, len(samples))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := c.SendSamples(samples[start:end]); err != nil {
			if errors.Is(err, client.ErrNotConnected) {
				continue
			}
			return err
		}
		start = end
	}
	return nil
}

func printEvent(e protocol.Event) {
	switch e.Type {
	case protocol.TypeStatus:
		fmt.Printf("[status] %s\n", e.Message)
	case protocol.TypeTranscript:
		fmt.Printf("[transcript] %q (asr %.0f ms)\n", e.Text, e.Latency)
	case protocol.TypeToken:
		fmt.Print(e.Text)
	case protocol.TypeLatencyStats:
		fmt.Printf("\n[latency] asr %.0f ms, ttft %.0f ms\n", e.ASR, e.TTFT)
	case protocol.TypeError:
		fmt.Printf("[error] %s\n", e.Message)
	}
}
