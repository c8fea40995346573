package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// TransportError wraps failures talking to the image server.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("image transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Source yields one camera frame per call.
type Source interface {
	Acquire(ctx context.Context) ([]byte, error)
}

// Acquirer fetches a single frame from a socket.io image server. Every
// call opens and closes its own connection; frames are never cached.
type Acquirer struct {
	URL     string
	Event   string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewAcquirer(url string, timeout time.Duration, logger *slog.Logger) *Acquirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{URL: url, Event: "image", Timeout: timeout, Logger: logger}
}

// Acquire waits up to Timeout for one image event. It returns an error
// wrapping ErrNoImage when the event carried nothing decodable, or a
// *TransportError when the server could not be reached in time.
func (a *Acquirer) Acquire(ctx context.Context) ([]byte, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	event := a.Event
	if event == "" {
		event = "image"
	}

	start := time.Now()
	payload, err := waitEvent(ctx, a.URL, event)
	if err != nil {
		a.Logger.Warn("image acquisition failed", "url", a.URL, "elapsed", time.Since(start), "error", err)
		return nil, err
	}

	frame := Classify(payload)
	data, err := Decode(frame)
	if err != nil {
		a.Logger.Warn("image payload rejected", "shape", fmt.Sprintf("%T", frame), "error", err)
		return nil, err
	}
	a.Logger.Debug("image acquired", "shape", fmt.Sprintf("%T", frame), "bytes", len(data), "elapsed", time.Since(start))
	return data, nil
}

// Unavailable reports whether err means the tick must go on without an image.
func Unavailable(err error) bool {
	var te *TransportError
	return errors.Is(err, ErrNoImage) || errors.As(err, &te)
}

// Static serves a fixed frame, used when a caller already holds the image.
type Static []byte

func (s Static) Acquire(context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrNoImage
	}
	return s, nil
}
