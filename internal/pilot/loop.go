package pilot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/rovermind/internal/camera"
	"github.com/stellarlinkco/rovermind/internal/journal"
	"github.com/stellarlinkco/rovermind/internal/oracle"
	"github.com/stellarlinkco/rovermind/internal/state"
)

// Decider is the oracle side of a tick.
type Decider interface {
	Decide(ctx context.Context, in oracle.Input) (*oracle.Reply, error)
}

// Microphone records a clip on demand.
type Microphone interface {
	Record(ctx context.Context, seconds int) ([]byte, error)
}

// Journal receives one entry per tick.
type Journal interface {
	Record(e journal.Entry) (string, error)
}

// Guide supplies extra prompt instructions for the current situation.
type Guide interface {
	Guidance(situation string) string
}

// Snapshot is the sensor input for one tick.
type Snapshot struct {
	DistanceCm   float64
	Audio        []byte
	CaptureAudio bool
}

// Result is what one tick produced.
type Result struct {
	TickID  string
	Command string
	Outcome Outcome
	Reply   *oracle.Reply
	Err     error
}

type LoopOptions struct {
	Camera         camera.Source
	Microphone     Microphone
	CaptureSeconds int
	Oracle         Decider
	Interpreter    *Interpreter
	Store          *state.Store
	Journal        Journal
	Guide          Guide
	SafetyDistance int
	Logger         *slog.Logger
}

// Loop runs ticks one at a time.
type Loop struct {
	opts   LoopOptions
	logger *slog.Logger
	mu     sync.Mutex
}

func NewLoop(opts LoopOptions) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{opts: opts, logger: logger}
}

// Tick turns one sensor snapshot into a command. Failures anywhere before
// interpretation yield an empty command and leave state untouched.
func (l *Loop) Tick(ctx context.Context, snap Snapshot) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	image, audio := l.gather(ctx, snap)

	var res Result
	st := l.opts.Store.Snapshot()
	in := oracle.Input{
		Context: oracle.FromState(st, snap.DistanceCm, l.opts.SafetyDistance),
		Image:   image,
		Audio:   audio,
	}
	if l.opts.Guide != nil {
		in.Context.Extra = l.opts.Guide.Guidance(strings.Join([]string{st.Goal, st.Plan, st.Subplan}, "\n"))
	}
	reply, err := l.opts.Oracle.Decide(ctx, in)
	res.Reply = reply
	if err != nil {
		res.Err = err
		l.logger.Warn("tick produced no decision", "distance_cm", snap.DistanceCm, "error", err)
	} else if ctx.Err() != nil {
		res.Err = ctx.Err()
		l.logger.Warn("tick deadline passed before interpretation", "error", res.Err)
	} else {
		res.Outcome = l.opts.Interpreter.Apply(reply.Decision, snap.DistanceCm)
		res.Command = res.Outcome.Command
		l.logger.Info("tick",
			"distance_cm", snap.DistanceCm,
			"command", res.Command,
			"vetoed", res.Outcome.Vetoed,
			"model", reply.Model,
			"strategy", reply.Decision.Strategy,
			"elapsed", time.Since(start))
	}

	res.TickID = l.record(snap, image, audio, res, time.Since(start))
	return res
}

// gather fetches the camera frame and, when asked, a microphone clip in parallel.
func (l *Loop) gather(ctx context.Context, snap Snapshot) ([]byte, []byte) {
	var image, audio []byte
	audio = snap.Audio

	g, gctx := errgroup.WithContext(ctx)
	if l.opts.Camera != nil {
		g.Go(func() error {
			data, err := l.opts.Camera.Acquire(gctx)
			if err != nil {
				if !camera.Unavailable(err) {
					l.logger.Warn("camera error", "error", err)
				}
				return nil
			}
			image = data
			return nil
		})
	}
	if snap.CaptureAudio && len(snap.Audio) == 0 && l.opts.Microphone != nil {
		g.Go(func() error {
			data, err := l.opts.Microphone.Record(gctx, l.opts.CaptureSeconds)
			if err != nil {
				l.logger.Warn("audio capture failed", "error", err)
				return nil
			}
			audio = data
			return nil
		})
	}
	_ = g.Wait()
	return image, audio
}

func (l *Loop) record(snap Snapshot, image, audio []byte, res Result, elapsed time.Duration) string {
	if l.opts.Journal == nil {
		return ""
	}
	e := journal.Entry{
		Distance: snap.DistanceCm,
		Command:  res.Command,
		Vetoed:   res.Outcome.Vetoed,
		HadImage: len(image) > 0,
		HadAudio: len(audio) > 0,
		Elapsed:  elapsed,
	}
	if res.Reply != nil {
		e.Model = res.Reply.Model
		e.Reply = res.Reply.Text
		if res.Reply.Decision != nil {
			e.Strategy = res.Reply.Decision.Strategy
			e.Problems = joinErrors(res.Reply.Decision.Problems)
		}
	}
	var errs []string
	if res.Err != nil {
		errs = append(errs, res.Err.Error())
	}
	for _, err := range res.Outcome.Errors {
		errs = append(errs, err.Error())
	}
	e.Error = strings.Join(errs, "; ")

	id, err := l.opts.Journal.Record(e)
	if err != nil {
		l.logger.Error("journal write failed", "error", err)
		return ""
	}
	return id
}

func joinErrors[E error](errs []E) string {
	if len(errs) == 0 {
		return ""
	}
	joined := make([]error, len(errs))
	for i, e := range errs {
		joined[i] = e
	}
	return errors.Join(joined...).Error()
}
