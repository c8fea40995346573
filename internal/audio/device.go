package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// Player plays one audio file to completion.
type Player interface {
	Play(ctx context.Context, path string) error
}

// Recorder captures a short microphone clip as WAV bytes.
type Recorder interface {
	Record(ctx context.Context, seconds int) ([]byte, error)
}

// CommandPlayer shells out to an ALSA player such as aplay.
type CommandPlayer struct {
	Name string
	Args []string
}

func NewCommandPlayer(name string) *CommandPlayer {
	if name == "" {
		name = "aplay"
	}
	return &CommandPlayer{Name: name, Args: []string{"-q"}}
}

func (p *CommandPlayer) Play(ctx context.Context, path string) error {
	args := append(append([]string(nil), p.Args...), path)
	cmd := exec.CommandContext(ctx, p.Name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", p.Name, path, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// CommandRecorder records 16 kHz mono 16-bit PCM through arecord into a
// temporary file that is removed after reading.
type CommandRecorder struct {
	Name string
	Dir  string
}

func NewCommandRecorder(name string) *CommandRecorder {
	if name == "" {
		name = "arecord"
	}
	return &CommandRecorder{Name: name}
}

func (r *CommandRecorder) Record(ctx context.Context, seconds int) ([]byte, error) {
	if seconds <= 0 {
		return nil, fmt.Errorf("invalid capture length %d", seconds)
	}
	f, err := os.CreateTemp(r.Dir, "capture-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	cmd := exec.CommandContext(ctx, r.Name,
		"-q", "-f", "S16_LE", "-r", "16000", "-c", "1", "-t", "wav",
		"-d", strconv.Itoa(seconds), path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", r.Name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	if len(data) <= 44 {
		return nil, fmt.Errorf("capture is empty")
	}
	return data, nil
}
