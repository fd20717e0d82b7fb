package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/skypro1111/voice-session-service/internal/audio"
)

// ExecEngine runs a local speech-to-text command once per utterance. The
// command receives --audio <file.wav> and must print {"text","confidence"}.
type ExecEngine struct {
	cmd      []string
	model    string
	language string
	mu       sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecEngine parses the command line with shell quoting rules.
func NewExecEngine(command, model, language string) (*ExecEngine, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcription command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcription command is empty")
	}
	return &ExecEngine{cmd: args, model: model, language: language}, nil
}

func (e *ExecEngine) Name() string { return "exec" }

func (e *ExecEngine) Transcribe(ctx context.Context, req Request) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp("", "voice_utt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, req.Samples, req.SampleRate); err != nil {
		return Result{}, err
	}

	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if e.model != "" {
		cmdArgs = append(cmdArgs, "--model", e.model)
	}
	if e.language != "" {
		cmdArgs = append(cmdArgs, "--language", e.language)
	}

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("transcription command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode transcription output: %w", err)
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}
