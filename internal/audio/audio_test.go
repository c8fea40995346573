package audio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/stellarlinkco/rovermind/internal/logs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePlayer struct {
	mu     sync.Mutex
	played []string
	ch     chan string
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{ch: make(chan string, 16)}
}

func (p *fakePlayer) Play(ctx context.Context, path string) error {
	p.mu.Lock()
	p.played = append(p.played, path)
	p.mu.Unlock()
	p.ch <- path
	return nil
}

func (p *fakePlayer) wait(t *testing.T) string {
	t.Helper()
	select {
	case path := <-p.ch:
		return path
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback")
		return ""
	}
}

type fakeSynth struct {
	path string
	err  error
}

func (s fakeSynth) Synthesize(ctx context.Context, text, lang string) (string, error) {
	return s.path, s.err
}

func writeClips(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("RIFF"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLibrary_RefreshAndRandom(t *testing.T) {
	dir := t.TempDir()
	writeClips(t, dir, "a.wav", "b.WAV", "notes.txt")
	os.Mkdir(filepath.Join(dir, "sub.wav"), 0755)

	lib := NewLibrary(dir, logs.Discard())
	files := lib.Files()
	if len(files) != 2 {
		t.Fatalf("files = %v, want 2 clips", files)
	}
	for i := 0; i < 10; i++ {
		p, err := lib.Random()
		if err != nil {
			t.Fatalf("Random error: %v", err)
		}
		if p != files[0] && p != files[1] {
			t.Errorf("Random = %q not in library", p)
		}
	}
}

func TestLibrary_Empty(t *testing.T) {
	lib := NewLibrary(filepath.Join(t.TempDir(), "missing"), logs.Discard())
	if _, err := lib.Random(); !errors.Is(err, ErrNoSounds) {
		t.Fatalf("err = %v, want ErrNoSounds", err)
	}
}

func TestLibrary_Resolve(t *testing.T) {
	dir := t.TempDir()
	writeClips(t, dir, "hello.wav")
	lib := NewLibrary(dir, logs.Discard())

	if p, err := lib.Resolve("hello.wav"); err != nil || p != filepath.Join(dir, "hello.wav") {
		t.Errorf("Resolve relative = %q, %v", p, err)
	}
	if _, err := lib.Resolve(filepath.Join(dir, "hello.wav")); err != nil {
		t.Errorf("Resolve absolute: %v", err)
	}
	for _, bad := range []string{"", "../etc/passwd", "missing.wav"} {
		if _, err := lib.Resolve(bad); err == nil {
			t.Errorf("Resolve(%q) should fail", bad)
		}
	}
}

func TestLibrary_WatchPicksUpNewClips(t *testing.T) {
	dir := t.TempDir()
	lib := NewLibrary(dir, logs.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lib.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(100 * time.Millisecond)
	writeClips(t, dir, "new.wav")

	deadline := time.Now().Add(3 * time.Second)
	for len(lib.Files()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not pick up new clip")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestDispatcher_PlayAndSpeak(t *testing.T) {
	dir := t.TempDir()
	writeClips(t, dir, "casual.wav")
	player := newFakePlayer()
	d := NewDispatcher(player, fakeSynth{path: "/tmp/speech.wav"}, NewLibrary(dir, logs.Discard()), 4, logs.Discard())
	d.Start(context.Background())
	defer d.Stop()

	if err := d.PlayFile("/tmp/x.wav"); err != nil {
		t.Fatalf("PlayFile error: %v", err)
	}
	if got := player.wait(t); got != "/tmp/x.wav" {
		t.Errorf("played %q", got)
	}

	if err := d.Speak("hello", "en"); err != nil {
		t.Fatalf("Speak error: %v", err)
	}
	if got := player.wait(t); got != "/tmp/speech.wav" {
		t.Errorf("played %q", got)
	}

	path, err := d.PlayRandom()
	if err != nil {
		t.Fatalf("PlayRandom error: %v", err)
	}
	if got := player.wait(t); got != path {
		t.Errorf("played %q, want %q", got, path)
	}
}

func TestDispatcher_SpeakNowReportsFailure(t *testing.T) {
	d := NewDispatcher(newFakePlayer(), fakeSynth{err: errors.New("quota")}, nil, 1, logs.Discard())
	if _, err := d.SpeakNow(context.Background(), "hi", "en"); err == nil {
		t.Fatal("expected synthesis error")
	}
	if _, err := d.PlayRandom(); !errors.Is(err, ErrNoSounds) {
		t.Errorf("PlayRandom err = %v", err)
	}
}

func TestDispatcher_DrainPlaysQueuedJobs(t *testing.T) {
	player := newFakePlayer()
	d := NewDispatcher(player, fakeSynth{path: "/tmp/speech.wav"}, nil, 4, logs.Discard())
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("Drain before Start: %v", err)
	}

	d.Start(context.Background())
	d.PlayFile("/tmp/a.wav")
	d.Speak("bye", "en")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("Drain error: %v", err)
	}

	player.mu.Lock()
	got := strings.Join(player.played, ",")
	player.mu.Unlock()
	if got != "/tmp/a.wav,/tmp/speech.wav" {
		t.Errorf("played = %q", got)
	}
	if err := d.PlayFile("/tmp/late.wav"); err != nil {
		t.Fatalf("enqueue after drain: %v", err)
	}
	d.Stop()
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := NewDispatcher(newFakePlayer(), nil, nil, 1, logs.Discard())
	if err := d.PlayFile("a"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := d.PlayFile("b"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestSynthesizer_CachesPerLangText(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/text:synthesize" || r.URL.Query().Get("key") != "k" {
			http.NotFound(w, r)
			return
		}
		var req synthesizeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.AudioConfig.AudioEncoding != "LINEAR16" || req.AudioConfig.VolumeGainDb != 10 {
			http.Error(w, "bad audio config", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(synthesizeResponse{
			AudioContent: base64.StdEncoding.EncodeToString([]byte("RIFF" + req.Voice.Name)),
		})
	}))
	defer srv.Close()

	s := NewSynthesizer("k", srv.URL, t.TempDir())
	s.Client = srv.Client()

	p1, err := s.Synthesize(context.Background(), "privet", "ru")
	if err != nil {
		t.Fatalf("Synthesize error: %v", err)
	}
	data, _ := os.ReadFile(p1)
	if string(data) != "RIFFru-RU-Wavenet-B" {
		t.Errorf("audio = %q", data)
	}
	p2, _ := s.Synthesize(context.Background(), "privet", "ru")
	if p1 != p2 || calls.Load() != 1 {
		t.Errorf("second call should hit cache: paths %q %q, calls %d", p1, p2, calls.Load())
	}
	p3, err := s.Synthesize(context.Background(), "privet", "en")
	if err != nil || p3 == p1 || calls.Load() != 2 {
		t.Errorf("other lang should miss cache: %q %v calls %d", p3, err, calls.Load())
	}

	restarted := NewSynthesizer("k", srv.URL, s.CacheDir)
	restarted.Client = srv.Client()
	if p4, _ := restarted.Synthesize(context.Background(), "privet", "ru"); p4 != p1 || calls.Load() != 2 {
		t.Errorf("clip on disk should be reused: %q calls %d", p4, calls.Load())
	}
}

func TestSynthesizer_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewSynthesizer("k", srv.URL, t.TempDir())
	s.Client = srv.Client()
	if _, err := s.Synthesize(context.Background(), "hi", "en"); err == nil {
		t.Error("expected error on 403")
	}
	if _, err := s.Synthesize(context.Background(), "  ", "en"); err == nil {
		t.Error("expected error on empty text")
	}
	if _, err := NewSynthesizer("", srv.URL, t.TempDir()).Synthesize(context.Background(), "hi", "en"); err == nil {
		t.Error("expected error without API key")
	}
}

func TestSynthesizer_Sweep(t *testing.T) {
	dir := t.TempDir()
	s := NewSynthesizer("k", "", dir)
	old := s.pathFor("en:old")
	fresh := s.pathFor("en:fresh")
	os.WriteFile(old, []byte("x"), 0644)
	os.WriteFile(fresh, []byte("x"), 0644)
	past := time.Now().Add(-48 * time.Hour)
	os.Chtimes(old, past, past)

	n, err := s.Sweep(24 * time.Hour)
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh clip should survive")
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old clip should be gone")
	}
}
