package pilot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/stellarlinkco/rovermind/internal/camera"
	"github.com/stellarlinkco/rovermind/internal/decision"
	"github.com/stellarlinkco/rovermind/internal/journal"
	"github.com/stellarlinkco/rovermind/internal/logs"
	"github.com/stellarlinkco/rovermind/internal/oracle"
	"github.com/stellarlinkco/rovermind/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEffects struct {
	mu      sync.Mutex
	spoken  []string
	randoms int
	err     error
	panic   bool
}

func (f *fakeEffects) Speak(text, lang string) error {
	if f.panic {
		panic("speaker on fire")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, lang+":"+text)
	return f.err
}

func (f *fakeEffects) PlayRandom() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.randoms++
	return "casual.wav", f.err
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *fakeJournal) Record(e journal.Entry) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return "tick-1", nil
}

func mustDecision(t *testing.T, text string) *decision.Decision {
	t.Helper()
	d, err := decision.Normalize(text)
	if err != nil {
		t.Fatalf("Normalize(%q): %v", text, err)
	}
	return d
}

func TestEncode(t *testing.T) {
	n := func(v int) *int { return &v }
	tests := []struct {
		name string
		move *decision.Move
		want string
		ok   bool
	}{
		{"forward", &decision.Move{Command: "forward", DistanceCm: n(40), Speed: n(60)}, "MOVE|forward|40|60", true},
		{"back default speed", &decision.Move{Command: "back", DistanceCm: n(10)}, "MOVE|back|10|50", true},
		{"explicit zero speed", &decision.Move{Command: "forward", DistanceCm: n(10), Speed: n(0)}, "MOVE|forward|10|0", true},
		{"left", &decision.Move{Command: "left", AngleDeg: n(90)}, "TURN|left|90|50", true},
		{"right", &decision.Move{Command: "right", AngleDeg: n(15), Speed: n(30)}, "TURN|right|15|30", true},
		{"stop", &decision.Move{Command: "stop"}, "STOP", true},
		{"forward without distance", &decision.Move{Command: "forward"}, "", false},
		{"turn without angle", &decision.Move{Command: "left", DistanceCm: n(5)}, "", false},
		{"unknown", &decision.Move{Command: "jump"}, "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Encode(tt.move, 50)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Encode = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestInterpreter_SafetyVeto(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		distance float64
		want     string
		vetoed   bool
	}{
		{"forward too close", `{"move":{"command":"forward","distance_cm":40}}`, 15, "", true},
		{"forward at threshold", `{"move":{"command":"forward","distance_cm":40}}`, 25, "MOVE|forward|40|50", false},
		{"back too close", `{"move":{"command":"back","distance_cm":20}}`, 5, "MOVE|back|20|50", false},
		{"stop any distance", `{"move":{"command":"stop"}}`, 1, "STOP", false},
		{"turn too close", `{"move":{"command":"left","angle_deg":45}}`, 3, "TURN|left|45|50", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := state.NewStore("", 20)
			in := NewInterpreter(store, nil, 25, 50, logs.Discard())
			out := in.Apply(mustDecision(t, tt.reply), tt.distance)
			if out.Command != tt.want || out.Vetoed != tt.vetoed {
				t.Errorf("Apply = %q vetoed=%v; want %q vetoed=%v", out.Command, out.Vetoed, tt.want, tt.vetoed)
			}
			history := store.Snapshot().History
			if tt.want == "" && len(history) != 0 {
				t.Errorf("vetoed move recorded in history: %+v", history)
			}
			if tt.want != "" && (len(history) != 1 || history[0].Command != tt.want) {
				t.Errorf("history = %+v", history)
			}
		})
	}
}

func TestInterpreter_SideEffects(t *testing.T) {
	dir := t.TempDir()
	store := state.NewStore(filepath.Join(dir, "memory.txt"), 20)
	store.SetLang("ru")
	fx := &fakeEffects{}
	in := NewInterpreter(store, fx, 25, 50, logs.Discard())

	out := in.Apply(mustDecision(t, `{
		"speak": {"text": "privet"},
		"sound": "casual",
		"rgb": "10,20,30",
		"plan": "explore",
		"subplan": "find the door",
		"map": "hall -> kitchen",
		"memory": "the cat sleeps on the sofa"
	}`), 100)

	if out.Command != "" || len(out.Errors) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(fx.spoken) != 1 || fx.spoken[0] != "ru:privet" || fx.randoms != 1 {
		t.Errorf("effects = %+v", fx)
	}
	st := store.Snapshot()
	if st.Mood != (state.RGB{R: 10, G: 20, B: 30}) || st.Plan != "explore" || st.Subplan != "find the door" || st.Map != "hall -> kitchen" {
		t.Errorf("state = %+v", st)
	}

	reloaded := state.NewStore(filepath.Join(dir, "memory.txt"), 20)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Snapshot().Memory; got != "the cat sleeps on the sofa" {
		t.Errorf("memory after reload = %q", got)
	}
}

func TestInterpreter_FailuresAreIsolated(t *testing.T) {
	store := state.NewStore("", 20)
	fx := &fakeEffects{panic: true}
	in := NewInterpreter(store, fx, 25, 50, logs.Discard())

	out := in.Apply(mustDecision(t, `{"speak":{"text":"hi"},"rgb":"1,2","plan":"keep going","move":{"command":"stop"}}`), 50)

	if out.Command != "STOP" {
		t.Errorf("command = %q", out.Command)
	}
	if len(out.Errors) != 2 {
		t.Fatalf("errors = %v, want speak and rgb", out.Errors)
	}
	if !strings.HasPrefix(out.Errors[0].Error(), "speak: panic") || !strings.HasPrefix(out.Errors[1].Error(), "rgb:") {
		t.Errorf("errors = %v", out.Errors)
	}
	if store.Snapshot().Plan != "keep going" {
		t.Error("plan should apply despite earlier failures")
	}
}

func TestInterpreter_HistoryCapped(t *testing.T) {
	store := state.NewStore("", 3)
	in := NewInterpreter(store, nil, 25, 50, logs.Discard())
	for i := 0; i < 5; i++ {
		in.Apply(mustDecision(t, `{"move":{"command":"right","angle_deg":10}}`), 100)
	}
	h := store.Snapshot().History
	if len(h) != 3 {
		t.Fatalf("history len = %d, want 3", len(h))
	}
	if string(h[0].Move) == "" || h[0].Command != "TURN|right|10|50" {
		t.Errorf("history entry = %+v", h[0])
	}
}

type rig struct {
	store   *state.Store
	journal *fakeJournal
	prompts []string
	mu      sync.Mutex
	loop    *Loop
}

func newRig(t *testing.T, memoryFile string, reply func(req oracle.Request) (string, error)) *rig {
	t.Helper()
	r := &rig{store: state.NewStore(memoryFile, 20), journal: &fakeJournal{}}
	if err := r.store.Load(); err != nil {
		t.Fatal(err)
	}
	backend := oracle.BackendFunc(func(ctx context.Context, req oracle.Request) (string, error) {
		r.mu.Lock()
		r.prompts = append(r.prompts, req.Prompt)
		r.mu.Unlock()
		return reply(req)
	})
	client := oracle.New(backend, oracle.Options{Models: []string{"test-model"}, Timeout: 2 * time.Second, Logger: logs.Discard()})
	r.loop = NewLoop(LoopOptions{
		Camera:         camera.Static("jpeg"),
		Oracle:         client,
		Interpreter:    NewInterpreter(r.store, nil, 25, 50, logs.Discard()),
		Store:          r.store,
		Journal:        r.journal,
		SafetyDistance: 25,
		Logger:         logs.Discard(),
	})
	return r
}

func TestLoop_VetoCloseObstacle(t *testing.T) {
	r := newRig(t, "", func(oracle.Request) (string, error) {
		return `{"move":{"command":"forward","distance_cm":50,"speed":60}}`, nil
	})
	res := r.loop.Tick(context.Background(), Snapshot{DistanceCm: 15})
	if res.Command != "" || !res.Outcome.Vetoed {
		t.Errorf("result = %+v", res)
	}
	if len(r.store.Snapshot().History) != 0 {
		t.Error("vetoed move must not enter history")
	}
	if len(r.journal.entries) != 1 || !r.journal.entries[0].Vetoed || !r.journal.entries[0].HadImage {
		t.Errorf("journal = %+v", r.journal.entries)
	}
}

func TestLoop_ForwardInOpenSpace(t *testing.T) {
	r := newRig(t, "", func(oracle.Request) (string, error) {
		return "Sure! ```json\n{\"move\":{\"command\":\"forward\",\"distance_cm\":40,\"speed\":60}}\n```", nil
	})
	res := r.loop.Tick(context.Background(), Snapshot{DistanceCm: 80})
	if res.Command != "MOVE|forward|40|60" {
		t.Fatalf("command = %q (err %v)", res.Command, res.Err)
	}
	if res.TickID != "tick-1" {
		t.Errorf("tick id = %q", res.TickID)
	}
	h := r.store.Snapshot().History
	if len(h) != 1 || h[0].Command != "MOVE|forward|40|60" {
		t.Errorf("history = %+v", h)
	}

	r.loop.Tick(context.Background(), Snapshot{DistanceCm: 80})
	if !strings.Contains(r.prompts[1], `"distance_cm":40`) {
		t.Error("second prompt should carry movement history")
	}
}

func TestLoop_MemorySurvivesRestart(t *testing.T) {
	memFile := filepath.Join(t.TempDir(), "memory.txt")
	r := newRig(t, memFile, func(oracle.Request) (string, error) {
		return `{"memory":"charging dock is behind the red chair"}`, nil
	})
	if res := r.loop.Tick(context.Background(), Snapshot{DistanceCm: 100}); res.Err != nil {
		t.Fatalf("tick error: %v", res.Err)
	}

	restarted := newRig(t, memFile, func(oracle.Request) (string, error) {
		return `{"move":{"command":"stop"}}`, nil
	})
	if got := restarted.store.Snapshot().Memory; got != "charging dock is behind the red chair" {
		t.Fatalf("memory after restart = %q", got)
	}
	restarted.loop.Tick(context.Background(), Snapshot{DistanceCm: 100})
	if !strings.Contains(restarted.prompts[0], "charging dock is behind the red chair") {
		t.Error("restored memory should reach the prompt")
	}
}

func TestLoop_FailureIsNoop(t *testing.T) {
	calls := 0
	r := newRig(t, "", func(oracle.Request) (string, error) {
		calls++
		if calls == 1 {
			return "I would rather not say.", nil
		}
		return "still prose", nil
	})
	r.store.SetPlan("unchanged")

	res := r.loop.Tick(context.Background(), Snapshot{DistanceCm: 80})
	if res.Command != "" || !errors.Is(res.Err, decision.ErrNoDecision) {
		t.Errorf("result = %+v", res)
	}
	if calls != 2 {
		t.Errorf("oracle calls = %d, want original plus conversion", calls)
	}
	if r.store.Snapshot().Plan != "unchanged" {
		t.Error("state must not change on failure")
	}
	if len(r.journal.entries) != 1 || r.journal.entries[0].Error == "" || r.journal.entries[0].Reply != "I would rather not say." {
		t.Errorf("journal = %+v", r.journal.entries)
	}
}

func TestLoop_TransportFailure(t *testing.T) {
	r := newRig(t, "", func(oracle.Request) (string, error) {
		return "", errors.New("connection refused")
	})
	res := r.loop.Tick(context.Background(), Snapshot{DistanceCm: 80})
	if res.Command != "" || res.Err == nil || res.Reply != nil {
		t.Errorf("result = %+v", res)
	}
}

type fakeMic struct{ called bool }

func (m *fakeMic) Record(ctx context.Context, seconds int) ([]byte, error) {
	m.called = true
	return []byte("RIFF-clip"), nil
}

type failingCamera struct{}

func (failingCamera) Acquire(context.Context) ([]byte, error) {
	return nil, &camera.TransportError{Op: "dial", Err: errors.New("refused")}
}

func TestLoop_GatherCapturesAudioWithoutCamera(t *testing.T) {
	var got oracle.Request
	store := state.NewStore("", 20)
	mic := &fakeMic{}
	jr := &fakeJournal{}
	client := oracle.New(oracle.BackendFunc(func(ctx context.Context, req oracle.Request) (string, error) {
		got = req
		return `{"move":{"command":"stop"}}`, nil
	}), oracle.Options{Models: []string{"m"}, Logger: logs.Discard()})
	loop := NewLoop(LoopOptions{
		Camera:         failingCamera{},
		Microphone:     mic,
		CaptureSeconds: 3,
		Oracle:         client,
		Interpreter:    NewInterpreter(store, nil, 25, 50, logs.Discard()),
		Store:          store,
		Journal:        jr,
		SafetyDistance: 25,
		Logger:         logs.Discard(),
	})

	res := loop.Tick(context.Background(), Snapshot{DistanceCm: 40, CaptureAudio: true})
	if res.Command != "STOP" {
		t.Fatalf("command = %q (%v)", res.Command, res.Err)
	}
	if !mic.called || string(got.Audio) != "RIFF-clip" || got.Image != nil {
		t.Errorf("request image=%q audio=%q mic=%v", got.Image, got.Audio, mic.called)
	}
	if jr.entries[0].HadImage || !jr.entries[0].HadAudio {
		t.Errorf("journal = %+v", jr.entries[0])
	}

	mic.called = false
	loop.Tick(context.Background(), Snapshot{DistanceCm: 40, Audio: []byte("supplied"), CaptureAudio: true})
	if mic.called || string(got.Audio) != "supplied" {
		t.Error("supplied audio should skip capture")
	}
}

type guideFunc func(string) string

func (f guideFunc) Guidance(s string) string { return f(s) }

func TestLoop_GuideAddsInstructions(t *testing.T) {
	r := newRig(t, "", func(oracle.Request) (string, error) {
		return `{"move":{"command":"stop"}}`, nil
	})
	var situation string
	r.loop.opts.Guide = guideFunc(func(s string) string {
		situation = s
		return "## Skills\nKeep away from stairs."
	})
	r.store.SetGoal("find the charger")
	r.store.SetPlan("check the hallway")

	if res := r.loop.Tick(context.Background(), Snapshot{DistanceCm: 60}); res.Command != "STOP" {
		t.Fatalf("command = %q", res.Command)
	}
	if !strings.Contains(situation, "find the charger") || !strings.Contains(situation, "check the hallway") {
		t.Errorf("situation = %q", situation)
	}
	if !strings.Contains(r.prompts[0], "Keep away from stairs.") {
		t.Error("guidance missing from prompt")
	}
}
