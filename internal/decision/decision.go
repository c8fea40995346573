package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNoDecision means no strategy could recover a mapping from the reply.
var ErrNoDecision = errors.New("no decision in oracle reply")

const SoundCasual = "casual"

var Commands = []string{"forward", "back", "left", "right", "stop"}

type Speech struct {
	Text string `json:"text"`
}

type Move struct {
	Command    string `json:"command"`
	DistanceCm *int   `json:"distance_cm"`
	AngleDeg   *int   `json:"angle_deg"`
	Speed      *int   `json:"speed"`
}

// Decision is the normalized oracle reply. Nil fields were absent, null or
// invalid; invalid ones are listed in Problems.
type Decision struct {
	Speak   *Speech `json:"speak"`
	Sound   *string `json:"sound"`
	Move    *Move   `json:"move"`
	RGB     *string `json:"rgb"`
	Plan    *string `json:"plan"`
	Subplan *string `json:"subplan"`
	Map     *string `json:"map"`
	Memory  *string `json:"memory"`

	Problems []FieldError   `json:"-"`
	Strategy string         `json:"-"`
	RawMove  json.RawMessage `json:"-"`
}

// FieldError reports one field that was present but unusable.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

// FromMap validates a decoded reply. It never fails as a whole; bad fields
// are dropped and recorded.
func FromMap(m map[string]any) *Decision {
	d := &Decision{}

	if v, ok := present(m, "speak"); ok {
		switch s := v.(type) {
		case map[string]any:
			if text, ok := s["text"].(string); ok && strings.TrimSpace(text) != "" {
				d.Speak = &Speech{Text: text}
			} else if s["text"] != nil {
				d.problem("speak", "text is not a string")
			}
		case string:
			if strings.TrimSpace(s) != "" {
				d.Speak = &Speech{Text: s}
			}
		default:
			d.problem("speak", fmt.Sprintf("unexpected type %T", v))
		}
	}

	if v, ok := present(m, "sound"); ok {
		switch s := v.(type) {
		case string:
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "":
			case SoundCasual:
				cue := SoundCasual
				d.Sound = &cue
			default:
				d.problem("sound", fmt.Sprintf("unknown cue %q", s))
			}
		default:
			d.problem("sound", fmt.Sprintf("unexpected type %T", v))
		}
	}

	if v, ok := present(m, "move"); ok {
		if mv, ok := v.(map[string]any); ok {
			d.Move = d.decodeMove(mv)
			if raw, err := json.Marshal(mv); err == nil {
				d.RawMove = raw
			}
		} else {
			d.problem("move", fmt.Sprintf("unexpected type %T", v))
		}
	}

	if v, ok := present(m, "rgb"); ok {
		switch c := v.(type) {
		case string:
			d.RGB = &c
		case []any:
			parts := make([]string, 0, len(c))
			for _, item := range c {
				n, ok := toInt(item)
				if !ok {
					d.problem("rgb", "non-numeric component")
					parts = nil
					break
				}
				parts = append(parts, strconv.Itoa(n))
			}
			if parts != nil {
				s := strings.Join(parts, ",")
				d.RGB = &s
			}
		default:
			d.problem("rgb", fmt.Sprintf("unexpected type %T", v))
		}
	}

	d.Plan = d.text(m, "plan")
	d.Subplan = d.text(m, "subplan")
	d.Map = d.text(m, "map")
	d.Memory = d.text(m, "memory")
	return d
}

func (d *Decision) decodeMove(mv map[string]any) *Move {
	cmd, _ := mv["command"].(string)
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	valid := false
	for _, c := range Commands {
		if c == cmd {
			valid = true
			break
		}
	}
	if !valid {
		d.problem("move.command", fmt.Sprintf("unknown command %v", mv["command"]))
		return nil
	}
	out := &Move{Command: cmd}
	out.DistanceCm = d.number(mv, "distance_cm", "move.distance_cm")
	out.AngleDeg = d.number(mv, "angle_deg", "move.angle_deg")
	out.Speed = d.number(mv, "speed", "move.speed")
	return out
}

func (d *Decision) number(m map[string]any, key, field string) *int {
	v, ok := present(m, key)
	if !ok {
		return nil
	}
	n, ok := toInt(v)
	if !ok {
		d.problem(field, fmt.Sprintf("not a number: %v", v))
		return nil
	}
	if n < 0 {
		d.problem(field, fmt.Sprintf("negative value %d", n))
		return nil
	}
	return &n
}

func (d *Decision) text(m map[string]any, key string) *string {
	v, ok := present(m, key)
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		d.problem(key, fmt.Sprintf("unexpected type %T", v))
		return nil
	}
	return &s
}

func (d *Decision) problem(field, reason string) {
	d.Problems = append(d.Problems, FieldError{Field: field, Reason: reason})
}

// present reports a key that exists with a non-null value.
func present(m map[string]any, key string) (any, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func toInt(v any) (int, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = n
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(math.Round(f)), true
}
