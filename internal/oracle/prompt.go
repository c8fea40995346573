package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stellarlinkco/rovermind/internal/state"
)

// Context is everything the oracle sees besides the media parts.
type Context struct {
	DistanceCm       float64
	SafetyDistanceCm int
	Plan             string
	Subplan          string
	Map              string
	Memory           string
	Goal             string
	Lang             string
	History          []state.MoveRecord
	HasAudio         bool
	Extra            string
}

// FromState fills a Context from a store snapshot.
func FromState(st state.RobotState, distance float64, safety int) Context {
	return Context{
		DistanceCm:       distance,
		SafetyDistanceCm: safety,
		Plan:             st.Plan,
		Subplan:          st.Subplan,
		Map:              st.Map,
		Memory:           st.Memory,
		Goal:             st.Goal,
		Lang:             st.Lang,
		History:          st.History,
	}
}

const schema = `Return ONLY a single valid JSON object (no explanatory text) with exactly these keys:
- speak: null or {"text": string} - a short phrase to say aloud
- sound: null or "casual" - play a random casual sound
- move: null or {"command": one of ["forward","back","left","right","stop"], "distance_cm": integer or null, "angle_deg": integer or null, "speed": integer or null}
- rgb: null or "R,G,B" with three integers 0-255 expressing mood
- plan: null or string - the long-term plan
- subplan: null or string - the current step of the plan
- map: null or string - your description of the surroundings
- memory: null or string - facts to remember across restarts (replaces previous memory)
Use forward/back with distance_cm, left/right with angle_deg. Make sure the JSON parses with standard JSON parsers.`

// BuildPrompt renders the single instruction block sent with each tick.
func BuildPrompt(c Context) string {
	var sb strings.Builder

	sb.WriteString("You are the brain of a small wheeled robot with a forward-facing camera, an ultrasonic range finder, a speaker, a microphone and an RGB light.\n\n")

	sb.WriteString("## Constraints\n")
	sb.WriteString("- The robot moves at most 100 cm per command and turns at most 180 degrees per command.\n")
	sb.WriteString("- Speed is an integer from 0 to 100.\n")
	fmt.Fprintf(&sb, "- Safety: if the measured distance is below %d cm you must not move forward. Turn, back off or stop instead.\n\n", c.SafetyDistanceCm)

	sb.WriteString("## Output\n")
	sb.WriteString(schema)
	sb.WriteString("\n\n")

	sb.WriteString("## Current situation\n")
	fmt.Fprintf(&sb, "Distance ahead: %.0f cm\n", c.DistanceCm)
	if c.Goal != "" {
		fmt.Fprintf(&sb, "Main goal: %s\n", c.Goal)
	}
	fmt.Fprintf(&sb, "Plan: %s\n", orNone(c.Plan))
	fmt.Fprintf(&sb, "Subplan: %s\n", orNone(c.Subplan))
	fmt.Fprintf(&sb, "Map: %s\n", orNone(c.Map))
	fmt.Fprintf(&sb, "Memory: %s\n", orNone(c.Memory))
	fmt.Fprintf(&sb, "Movement history (oldest first): %s\n", historyJSON(c.History))
	if c.Lang != "" {
		fmt.Fprintf(&sb, "Speak in language: %s\n", c.Lang)
	}
	if c.HasAudio {
		sb.WriteString("An audio clip recorded by the microphone is attached; react if someone is talking to you.\n")
	}
	if c.Extra != "" {
		sb.WriteString("\n")
		sb.WriteString(c.Extra)
		sb.WriteString("\n")
	}
	return sb.String()
}

// ConversionPrompt asks the oracle to restate a free-form reply as the schema.
func ConversionPrompt(raw string) string {
	return "Convert the following text into a single valid JSON object matching this schema.\n\n" +
		schema + "\n\nText:\n" + raw + "\n\nReturn only the JSON object."
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func historyJSON(h []state.MoveRecord) string {
	if len(h) == 0 {
		return "[]"
	}
	moves := make([]json.RawMessage, 0, len(h))
	for _, rec := range h {
		if len(rec.Move) > 0 {
			moves = append(moves, rec.Move)
		}
	}
	data, err := json.Marshal(moves)
	if err != nil {
		return "[]"
	}
	return string(data)
}
