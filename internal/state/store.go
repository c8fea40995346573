package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RGB is the robot mood colour.
type RGB struct {
	R, G, B int
}

func (c RGB) String() string {
	return fmt.Sprintf("%d,%d,%d", c.R, c.G, c.B)
}

// ParseRGB accepts exactly three comma-separated integers.
func ParseRGB(s string) (RGB, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return RGB{}, fmt.Errorf("rgb %q: want 3 components, got %d", s, len(parts))
	}
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return RGB{}, fmt.Errorf("rgb %q: component %d: %w", s, i, err)
		}
		vals[i] = n
	}
	return RGB{R: vals[0], G: vals[1], B: vals[2]}, nil
}

// MoveRecord is one emitted command with the move object that produced it.
type MoveRecord struct {
	At      time.Time       `json:"at"`
	Move    json.RawMessage `json:"move"`
	Command string          `json:"command"`
}

// Control holds live flags set by operators. The decision loop only reads them.
type Control struct {
	Speed   int  `json:"speed"`
	Forward bool `json:"forward"`
	Back    bool `json:"back"`
	Left    bool `json:"left"`
	Right   bool `json:"right"`
}

// RobotState is the cross-tick context fed back to the oracle.
type RobotState struct {
	Plan    string       `json:"plan"`
	Subplan string       `json:"subplan"`
	Map     string       `json:"map"`
	Memory  string       `json:"memory"`
	History []MoveRecord `json:"movement_history"`
	Mood    RGB          `json:"-"`
	Goal    string       `json:"main_goal"`
	Lang    string       `json:"lang"`
	Control Control      `json:"control"`
}

// Store owns the single RobotState of a process. Memory is the only
// durable field; it lives in a plain-text file rewritten whole on save.
type Store struct {
	mu           sync.RWMutex
	st           RobotState
	memoryFile   string
	historyLimit int
}

func NewStore(memoryFile string, historyLimit int) *Store {
	return &Store{memoryFile: memoryFile, historyLimit: historyLimit}
}

// Load restores memory from disk. A missing file means empty memory.
func (s *Store) Load() error {
	if s.memoryFile == "" {
		return nil
	}
	data, err := os.ReadFile(s.memoryFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read memory: %w", err)
	}
	s.mu.Lock()
	s.st.Memory = string(data)
	s.mu.Unlock()
	return nil
}

// SaveMemory replaces memory in RAM and on disk. The in-memory copy is
// updated even if the flush fails.
func (s *Store) SaveMemory(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Memory = text
	if s.memoryFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.memoryFile), 0755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.memoryFile), ".memory-*")
	if err != nil {
		return fmt.Errorf("create temp memory: %w", err)
	}
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write memory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close memory: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.memoryFile); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace memory: %w", err)
	}
	return nil
}

// AppendMove records an emitted command, keeping at most historyLimit entries.
func (s *Store) AppendMove(rec MoveRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.History = append(s.st.History, rec)
	if s.historyLimit > 0 && len(s.st.History) > s.historyLimit {
		s.st.History = append([]MoveRecord(nil), s.st.History[len(s.st.History)-s.historyLimit:]...)
	}
}

func (s *Store) SetPlan(v string) {
	s.mu.Lock()
	s.st.Plan = v
	s.mu.Unlock()
}

func (s *Store) SetSubplan(v string) {
	s.mu.Lock()
	s.st.Subplan = v
	s.mu.Unlock()
}

func (s *Store) SetMap(v string) {
	s.mu.Lock()
	s.st.Map = v
	s.mu.Unlock()
}

func (s *Store) SetMood(c RGB) {
	s.mu.Lock()
	s.st.Mood = c
	s.mu.Unlock()
}

func (s *Store) SetGoal(v string) {
	s.mu.Lock()
	s.st.Goal = v
	s.mu.Unlock()
}

func (s *Store) SetLang(v string) {
	s.mu.Lock()
	s.st.Lang = v
	s.mu.Unlock()
}

// SetControl applies fn to the live control flags.
func (s *Store) SetControl(fn func(*Control)) {
	s.mu.Lock()
	fn(&s.st.Control)
	s.mu.Unlock()
}

// Snapshot returns a deep copy safe to read without the lock.
func (s *Store) Snapshot() RobotState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.st
	out.History = make([]MoveRecord, len(s.st.History))
	for i, rec := range s.st.History {
		rec.Move = append(json.RawMessage(nil), rec.Move...)
		out.History[i] = rec
	}
	return out
}
