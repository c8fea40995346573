package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrQueueFull = errors.New("audio queue full")

// Synth produces a playable file for a phrase.
type Synth interface {
	Synthesize(ctx context.Context, text, lang string) (string, error)
}

type jobKind int

const (
	jobPlay jobKind = iota
	jobSpeak
	jobBarrier
)

type job struct {
	kind jobKind
	path string
	text string
	lang string
	done chan struct{}
}

// Dispatcher serializes speaker output on one worker so callers never wait
// for playback.
type Dispatcher struct {
	player  Player
	synth   Synth
	library *Library
	logger  *slog.Logger
	timeout time.Duration

	queue chan job

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(player Player, synth Synth, library *Library, queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		player:  player,
		synth:   synth,
		library: library,
		logger:  logger,
		timeout: time.Minute,
		queue:   make(chan job, queueSize),
	}
}

// Start launches the worker. Calling it twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.run(ctx, d.done)
}

// Stop cancels the job in progress and waits for the worker.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Drain waits until every job queued before the call has played, then stops
// the worker. It gives up when ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	running := d.cancel != nil
	d.mu.Unlock()
	if !running {
		return nil
	}
	defer d.Stop()

	barrier := job{kind: jobBarrier, done: make(chan struct{})}
	select {
	case d.queue <- barrier:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.handle(ctx, j)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, j job) {
	if j.kind == jobBarrier {
		close(j.done)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	path := j.path
	if j.kind == jobSpeak {
		if d.synth == nil {
			d.logger.Warn("speech requested without synthesizer", "text", j.text)
			return
		}
		p, err := d.synth.Synthesize(ctx, j.text, j.lang)
		if err != nil {
			d.logger.Error("speech synthesis failed", "text", j.text, "lang", j.lang, "error", err)
			return
		}
		path = p
	}
	if err := d.player.Play(ctx, path); err != nil {
		d.logger.Error("playback failed", "path", path, "error", err)
		return
	}
	d.logger.Debug("played", "path", path)
}

func (d *Dispatcher) enqueue(j job) error {
	select {
	case d.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// PlayFile queues a clip already on disk.
func (d *Dispatcher) PlayFile(path string) error {
	return d.enqueue(job{kind: jobPlay, path: path})
}

// PlayRandom queues a random clip from the library and returns its path.
func (d *Dispatcher) PlayRandom() (string, error) {
	if d.library == nil {
		return "", ErrNoSounds
	}
	path, err := d.library.Random()
	if err != nil {
		return "", err
	}
	return path, d.enqueue(job{kind: jobPlay, path: path})
}

// Speak queues synthesis and playback of text.
func (d *Dispatcher) Speak(text, lang string) error {
	return d.enqueue(job{kind: jobSpeak, text: text, lang: lang})
}

// SpeakNow synthesizes in the caller so failures are reported, then queues playback.
func (d *Dispatcher) SpeakNow(ctx context.Context, text, lang string) (string, error) {
	if d.synth == nil {
		return "", fmt.Errorf("speech synthesis is not configured")
	}
	path, err := d.synth.Synthesize(ctx, text, lang)
	if err != nil {
		return "", err
	}
	return path, d.PlayFile(path)
}
