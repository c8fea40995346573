package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/rovermind/internal/config"
	"github.com/stellarlinkco/rovermind/internal/journal"
	"github.com/stellarlinkco/rovermind/internal/pilot"
)

func setupHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	t.Setenv("ROVERMIND_CONFIG", "")
	t.Setenv("ROVERMIND_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	return tmpDir
}

func testCmd() (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	cmd := &cobra.Command{}
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	return cmd, &out, &errOut
}

type mockTicker struct {
	snap   pilot.Snapshot
	result pilot.Result
	closed bool
}

func (m *mockTicker) Tick(ctx context.Context, snap pilot.Snapshot) pilot.Result {
	m.snap = snap
	return m.result
}

func (m *mockTicker) Close() { m.closed = true }

func withTicker(t *testing.T, f TickerFactory) {
	t.Helper()
	orig := tickerFactory
	tickerFactory = f
	t.Cleanup(func() { tickerFactory = orig })
}

func withFlags(t *testing.T, distance float64, audio string, capture bool) {
	t.Helper()
	d, a, c := distanceFlag, audioFlag, captureFlag
	distanceFlag, audioFlag, captureFlag = distance, audio, capture
	t.Cleanup(func() { distanceFlag, audioFlag, captureFlag = d, a, c })
}

func TestRootCommands(t *testing.T) {
	want := map[string]bool{"serve": false, "tick": false, "onboard": false, "status": false, "journal": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
	if f := tickCmd.Flags().Lookup("distance"); f == nil || f.Shorthand != "d" {
		t.Error("tick should take --distance/-d")
	}
}

func TestWriteIfNotExists(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.txt")
	var out bytes.Buffer

	writeIfNotExists(&out, path, "test content")
	if data, _ := os.ReadFile(path); string(data) != "test content" {
		t.Errorf("content = %q, want 'test content'", string(data))
	}
	if !strings.Contains(out.String(), "Created") {
		t.Errorf("output = %q", out.String())
	}

	writeIfNotExists(&out, path, "new content")
	if data, _ := os.ReadFile(path); string(data) != "test content" {
		t.Errorf("existing file overwritten: %q", string(data))
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key, want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"AIzaSyTestKey12345678", "AIza...5678"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.key); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
	if got := providerDisplay(""); got != "gemini (default)" {
		t.Errorf("providerDisplay(\"\") = %q", got)
	}
}

func TestRunOnboard(t *testing.T) {
	home := setupHome(t)
	cmd, out, _ := testCmd()

	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}
	if !strings.Contains(out.String(), "Created config") {
		t.Errorf("output = %q", out.String())
	}
	base := filepath.Join(home, ".rovermind")
	for _, p := range []string{"config.json", "sounds", "tts-cache", filepath.Join("skills", "safety", "SKILL.md")} {
		if _, err := os.Stat(filepath.Join(base, p)); err != nil {
			t.Errorf("%s not created: %v", p, err)
		}
	}

	cmd, out, _ = testCmd()
	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("second runOnboard error: %v", err)
	}
	if !strings.Contains(out.String(), "Config already exists") || strings.Contains(out.String(), "Created:") {
		t.Errorf("second run output = %q", out.String())
	}
}

func TestRunStatus(t *testing.T) {
	setupHome(t)
	t.Setenv("ROVERMIND_API_KEY", "AIzaSyTestKey12345678")

	cmd, out, _ := testCmd()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	for _, want := range []string{
		"Provider: gemini",
		"API Key: AIza...5678",
		"Safety distance: 25 cm",
		"Sounds: not found",
		"Memory: empty",
		"Journal: empty",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunStatus_WithData(t *testing.T) {
	setupHome(t)
	cfg := config.DefaultConfig()
	os.MkdirAll(cfg.Audio.SoundsDir, 0755)
	os.WriteFile(filepath.Join(cfg.Audio.SoundsDir, "beep.wav"), []byte("RIFF"), 0644)
	os.WriteFile(cfg.Robot.MemoryFile, []byte("the charger is in the hall"), 0644)

	j, err := journal.Open(cfg.Journal.DBPath)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	j.Record(journal.Entry{Distance: 80, Command: "STOP"})
	j.Record(journal.Entry{Distance: 10, Command: "MOVE|forward|30|50", Vetoed: true})
	j.Close()

	cmd, out, _ := testCmd()
	runStatus(cmd, nil)
	for _, want := range []string{"Sounds: 1 files", "Memory: 26 bytes", "Journal: 2 ticks, 1 vetoed"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunStatus_BadConfig(t *testing.T) {
	home := setupHome(t)
	os.MkdirAll(filepath.Join(home, ".rovermind"), 0755)
	os.WriteFile(filepath.Join(home, ".rovermind", "config.json"), []byte("{broken"), 0644)

	cmd, out, _ := testCmd()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus should not fail: %v", err)
	}
	if !strings.Contains(out.String(), "Config: error") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunTick(t *testing.T) {
	setupHome(t)
	mock := &mockTicker{result: pilot.Result{Command: "TURN|left|90|50"}}
	withTicker(t, func(context.Context, *config.Config) (Ticker, error) { return mock, nil })
	withFlags(t, 42, "", true)

	cmd, out, errOut := testCmd()
	if err := runTick(cmd, nil); err != nil {
		t.Fatalf("runTick error: %v", err)
	}
	if out.String() != "TURN|left|90|50\n" {
		t.Errorf("stdout = %q", out.String())
	}
	if errOut.Len() != 0 {
		t.Errorf("stderr = %q", errOut.String())
	}
	if mock.snap.DistanceCm != 42 || !mock.snap.CaptureAudio || !mock.closed {
		t.Errorf("snapshot = %+v closed=%v", mock.snap, mock.closed)
	}
}

func TestRunTick_VetoAndFailure(t *testing.T) {
	setupHome(t)
	mock := &mockTicker{result: pilot.Result{
		Outcome: pilot.Outcome{Vetoed: true, Errors: []error{errors.New("rgb: bad value")}},
		Err:     nil,
	}}
	withTicker(t, func(context.Context, *config.Config) (Ticker, error) { return mock, nil })
	withFlags(t, 12, "", false)

	cmd, out, errOut := testCmd()
	if err := runTick(cmd, nil); err != nil {
		t.Fatalf("runTick error: %v", err)
	}
	if out.String() != "\n" {
		t.Errorf("vetoed tick should print an empty command, got %q", out.String())
	}
	if !strings.Contains(errOut.String(), "vetoed at 12 cm") || !strings.Contains(errOut.String(), "rgb: bad value") {
		t.Errorf("stderr = %q", errOut.String())
	}

	mock.result = pilot.Result{Err: errors.New("no decision in reply")}
	cmd, _, errOut = testCmd()
	runTick(cmd, nil)
	if !strings.Contains(errOut.String(), "no decision in reply") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestRunTick_Audio(t *testing.T) {
	home := setupHome(t)
	clip := filepath.Join(home, "clip.wav")
	os.WriteFile(clip, []byte("RIFFdata"), 0644)

	mock := &mockTicker{}
	withTicker(t, func(context.Context, *config.Config) (Ticker, error) { return mock, nil })
	withFlags(t, 50, clip, false)

	cmd, _, _ := testCmd()
	if err := runTick(cmd, nil); err != nil {
		t.Fatalf("runTick error: %v", err)
	}
	if string(mock.snap.Audio) != "RIFFdata" {
		t.Errorf("audio = %q", mock.snap.Audio)
	}

	withFlags(t, 50, filepath.Join(home, "missing.wav"), false)
	if err := runTick(cmd, nil); err == nil {
		t.Error("expected error for missing audio file")
	}
}

func TestRunTick_FactoryError(t *testing.T) {
	setupHome(t)
	withTicker(t, func(context.Context, *config.Config) (Ticker, error) {
		return nil, errors.New("camera offline")
	})
	withFlags(t, 50, "", false)

	cmd, _, _ := testCmd()
	if err := runTick(cmd, nil); err == nil || !strings.Contains(err.Error(), "camera offline") {
		t.Errorf("err = %v", err)
	}
}

func TestRunServe_NoAPIKey(t *testing.T) {
	setupHome(t)
	cmd, _, _ := testCmd()
	err := runServe(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "API key not set") {
		t.Errorf("err = %v", err)
	}
}

func TestRunJournal(t *testing.T) {
	setupHome(t)
	cmd, out, _ := testCmd()
	if err := runJournal(cmd, nil); err != nil {
		t.Fatalf("runJournal error: %v", err)
	}
	if out.String() != "no ticks\n" {
		t.Errorf("empty journal output = %q", out.String())
	}

	cfg := config.DefaultConfig()
	j, err := journal.Open(cfg.Journal.DBPath)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	j.Record(journal.Entry{Distance: 80, Command: "MOVE|forward|40|60", Model: "gemini-2.5-flash", Reply: `{"plan":"reach the red door"}`})
	j.Record(journal.Entry{Distance: 12, Command: "MOVE|forward|40|60", Vetoed: true, Reply: `{"plan":"explore"}`})
	j.Record(journal.Entry{Distance: 30, Error: "oracle timeout"})
	j.Close()

	limit := limitFlag
	limitFlag = 10
	t.Cleanup(func() { limitFlag = limit })

	cmd, out, _ = testCmd()
	if err := runJournal(cmd, nil); err != nil {
		t.Fatalf("runJournal error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[0], "no-op") || !strings.Contains(lines[0], "error: oracle timeout") {
		t.Errorf("newest line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "vetoed MOVE|forward|40|60") {
		t.Errorf("vetoed line = %q", lines[1])
	}

	cmd, out, _ = testCmd()
	if err := runJournal(cmd, []string{"red", "door"}); err != nil {
		t.Fatalf("runJournal search error: %v", err)
	}
	if got := strings.TrimSpace(out.String()); !strings.Contains(got, "80cm") || strings.Count(got, "\n") != 0 {
		t.Errorf("search output = %q", got)
	}
}

func TestRunJournal_Disabled(t *testing.T) {
	setupHome(t)
	t.Setenv("ROVERMIND_JOURNAL_ENABLED", "false")
	cmd, _, _ := testCmd()
	if err := runJournal(cmd, nil); err == nil {
		t.Error("expected error when journal is disabled")
	}
}
