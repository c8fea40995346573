package camera

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrNoImage means the image source produced nothing usable this tick.
var ErrNoImage = errors.New("no image available")

// Frame is the shape an image event arrived in. The set is closed; Decode
// handles every variant.
type Frame interface {
	frame()
}

// RawFrame is a binary attachment.
type RawFrame struct{ Data []byte }

// TextFrame is a base64 string or a data:image URI.
type TextFrame struct{ Text string }

// KeyedFrame is a mapping carrying the image under one of ImageKeys.
type KeyedFrame struct {
	Key   string
	Value any
}

// FramesFrame is a mapping with a "frames" list; only the first is used.
type FramesFrame struct{ First any }

// SequenceFrame is the first usable element of a list payload.
type SequenceFrame struct {
	Index int
	Value any
}

// UnknownFrame is anything else.
type UnknownFrame struct{ Value any }

func (RawFrame) frame()      {}
func (TextFrame) frame()     {}
func (KeyedFrame) frame()    {}
func (FramesFrame) frame()   {}
func (SequenceFrame) frame() {}
func (UnknownFrame) frame()  {}

var (
	// ImageKeys are checked in order on mapping payloads.
	ImageKeys = []string{"b64", "image", "img", "data", "payload"}
	// itemKeys are checked on mappings nested in a list payload.
	itemKeys = []string{"b64", "image", "img", "data"}
)

// Classify picks the shape of a decoded event payload. Byte slices stand
// for socket.io binary attachments.
func Classify(v any) Frame {
	switch x := v.(type) {
	case []byte:
		return RawFrame{Data: x}
	case string:
		return TextFrame{Text: x}
	case map[string]any:
		for _, key := range ImageKeys {
			if scalar(x[key]) {
				return KeyedFrame{Key: key, Value: x[key]}
			}
		}
		if frames, ok := x["frames"].([]any); ok && len(frames) > 0 && scalar(frames[0]) {
			return FramesFrame{First: frames[0]}
		}
	case []any:
		for i, item := range x {
			if scalar(item) {
				return SequenceFrame{Index: i, Value: item}
			}
			if m, ok := item.(map[string]any); ok {
				for _, key := range itemKeys {
					if scalar(m[key]) {
						return SequenceFrame{Index: i, Value: m[key]}
					}
				}
			}
		}
	}
	return UnknownFrame{Value: v}
}

// Decode turns a frame into image bytes or ErrNoImage.
func Decode(f Frame) ([]byte, error) {
	switch x := f.(type) {
	case RawFrame:
		return nonEmpty(x.Data)
	case TextFrame:
		return decodeScalar(x.Text)
	case KeyedFrame:
		return decodeScalar(x.Value)
	case FramesFrame:
		return decodeScalar(x.First)
	case SequenceFrame:
		return decodeScalar(x.Value)
	case UnknownFrame:
		return nil, fmt.Errorf("%w: unrecognized payload %T", ErrNoImage, x.Value)
	default:
		return nil, fmt.Errorf("%w: unhandled frame %T", ErrNoImage, f)
	}
}

func scalar(v any) bool {
	switch x := v.(type) {
	case string:
		return x != ""
	case []byte:
		return len(x) > 0
	}
	return false
}

func nonEmpty(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrNoImage)
	}
	return b, nil
}

func decodeScalar(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return nonEmpty(x)
	case string:
		return decodeBase64(x)
	}
	return nil, fmt.Errorf("%w: non-scalar image value %T", ErrNoImage, v)
}

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

func decodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:image") {
		if _, rest, ok := strings.Cut(s, ","); ok {
			s = rest
		}
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty base64", ErrNoImage)
	}
	for _, enc := range encodings {
		if data, err := enc.DecodeString(s); err == nil && len(data) > 0 {
			return data, nil
		}
	}
	return nil, fmt.Errorf("%w: invalid base64", ErrNoImage)
}
