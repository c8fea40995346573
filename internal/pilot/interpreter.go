package pilot

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/stellarlinkco/rovermind/internal/decision"
	"github.com/stellarlinkco/rovermind/internal/state"
)

// Effects are the audible side effects a decision can trigger. Both calls
// must return quickly; playback happens elsewhere.
type Effects interface {
	Speak(text, lang string) error
	PlayRandom() (string, error)
}

// Outcome reports what Apply did besides producing a command.
type Outcome struct {
	Command string
	Vetoed  bool
	Applied []string
	Errors  []error
}

// Interpreter maps decisions to actuator commands and state updates.
type Interpreter struct {
	store          *state.Store
	effects        Effects
	safetyDistance float64
	defaultSpeed   int
	logger         *slog.Logger
	now            func() time.Time
}

func NewInterpreter(store *state.Store, effects Effects, safetyDistanceCm, defaultSpeed int, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{
		store:          store,
		effects:        effects,
		safetyDistance: float64(safetyDistanceCm),
		defaultSpeed:   defaultSpeed,
		logger:         logger,
		now:            time.Now,
	}
}

// Encode renders a move as the actuator wire format. The bool is false when
// the move is not executable.
func Encode(m *decision.Move, defaultSpeed int) (string, bool) {
	if m == nil {
		return "", false
	}
	speed := defaultSpeed
	if m.Speed != nil {
		speed = *m.Speed
	}
	switch m.Command {
	case "forward", "back":
		if m.DistanceCm == nil {
			return "", false
		}
		return fmt.Sprintf("MOVE|%s|%d|%d", m.Command, *m.DistanceCm, speed), true
	case "left", "right":
		if m.AngleDeg == nil {
			return "", false
		}
		return fmt.Sprintf("TURN|%s|%d|%d", m.Command, *m.AngleDeg, speed), true
	case "stop":
		return "STOP", true
	}
	return "", false
}

// Apply executes d against the store. A forward move below the safety
// distance is vetoed; the remaining fields still apply. Each side effect is
// isolated so one failure or panic does not skip the others.
func (i *Interpreter) Apply(d *decision.Decision, distanceCm float64) Outcome {
	var out Outcome
	if d == nil {
		return out
	}

	if d.Move != nil && d.Move.Command == "forward" && distanceCm < i.safetyDistance {
		out.Vetoed = true
		i.logger.Warn("forward move vetoed", "distance_cm", distanceCm, "threshold_cm", i.safetyDistance)
	} else if cmd, ok := Encode(d.Move, i.defaultSpeed); ok {
		out.Command = cmd
	} else if d.Move != nil {
		i.logger.Info("move not executable", "command", d.Move.Command)
	}

	lang := i.store.Snapshot().Lang

	if d.Speak != nil && d.Speak.Text != "" && i.effects != nil {
		i.isolate(&out, "speak", func() error { return i.effects.Speak(d.Speak.Text, lang) })
	}
	if d.Sound != nil && *d.Sound == decision.SoundCasual && i.effects != nil {
		i.isolate(&out, "sound", func() error {
			_, err := i.effects.PlayRandom()
			return err
		})
	}
	if d.RGB != nil {
		i.isolate(&out, "rgb", func() error {
			c, err := state.ParseRGB(*d.RGB)
			if err != nil {
				return err
			}
			i.store.SetMood(c)
			return nil
		})
	}
	if d.Plan != nil {
		i.isolate(&out, "plan", func() error { i.store.SetPlan(*d.Plan); return nil })
	}
	if d.Subplan != nil {
		i.isolate(&out, "subplan", func() error { i.store.SetSubplan(*d.Subplan); return nil })
	}
	if d.Map != nil {
		i.isolate(&out, "map", func() error { i.store.SetMap(*d.Map); return nil })
	}
	if d.Memory != nil {
		i.isolate(&out, "memory", func() error { return i.store.SaveMemory(*d.Memory) })
	}

	if out.Command != "" {
		i.store.AppendMove(state.MoveRecord{At: i.now(), Move: d.RawMove, Command: out.Command})
	}
	return out
}

func (i *Interpreter) isolate(out *Outcome, name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		err = fmt.Errorf("%s: %w", name, err)
		out.Errors = append(out.Errors, err)
		i.logger.Error("side effect failed", "effect", name, "error", err)
		return
	}
	out.Applied = append(out.Applied, name)
}
