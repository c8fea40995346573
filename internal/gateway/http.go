package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/rovermind/internal/camera"
	"github.com/stellarlinkco/rovermind/internal/decision"
	"github.com/stellarlinkco/rovermind/internal/oracle"
	"github.com/stellarlinkco/rovermind/internal/pilot"
	"github.com/stellarlinkco/rovermind/internal/state"
)

const maxBody = 16 << 20

// Handler returns the robot HTTP API.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /play", g.handlePlay)
	mux.HandleFunc("GET /play_random", g.handlePlayRandom)
	mux.HandleFunc("GET /speak", g.handleSpeak)
	mux.HandleFunc("GET /llm_vision", g.handleAskVision)
	mux.HandleFunc("POST /llm_vision", g.handleVision)
	mux.HandleFunc("POST /tick", g.handleTick)
	mux.HandleFunc("GET /camera", g.handleCamera)
	mux.HandleFunc("GET /llm", g.handleLLM)
	mux.HandleFunc("POST /control", g.handleControl)
	mux.HandleFunc("GET /state", g.handleState)
	return g.recoverer(mux)
}

func (g *Gateway) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				g.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		start := time.Now()
		next.ServeHTTP(w, r)
		g.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
}

func (g *Gateway) handlePlay(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("filename is required"))
		return
	}
	path, err := g.library.Resolve(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := g.dispatcher.PlayFile(path); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "playing", "file": path})
}

func (g *Gateway) handlePlayRandom(w http.ResponseWriter, r *http.Request) {
	path, err := g.dispatcher.PlayRandom()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "playing", "file": path})
}

func (g *Gateway) handleSpeak(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.URL.Query().Get("text"))
	if text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = g.store.Snapshot().Lang
	}
	path, err := g.dispatcher.SpeakNow(r.Context(), text, lang)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "speaking", "file": path})
}

// visionRequest is the stateless decision request. Every context field
// comes from the caller; nothing is read from or written to the store.
type visionRequest struct {
	Distance        float64           `json:"distance"`
	Plan            string            `json:"plan"`
	Subplan         string            `json:"subplan"`
	Map             string            `json:"map"`
	Memory          string            `json:"memory"`
	MainGoal        string            `json:"main_goal"`
	MovementHistory []json.RawMessage `json:"movement_history"`
	Lang            string            `json:"lang"`
	Audio           string            `json:"audio"`
	ImageBase64     any               `json:"image_base64"`
	Prompt          string            `json:"prompt"`
}

func (g *Gateway) handleVision(w http.ResponseWriter, r *http.Request) {
	// An unreadable body is an empty request.
	var req visionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.logger.Warn("llm_vision body ignored", "error", err)
		req = visionRequest{}
	}

	var (
		image []byte
		err   error
	)
	if req.ImageBase64 != nil {
		if image, err = camera.Decode(camera.Classify(req.ImageBase64)); err != nil {
			g.logger.Warn("uploaded image unusable, using camera", "error", err)
		}
	}
	if len(image) == 0 {
		if image, err = g.camera.Acquire(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("no image: %w", err))
			return
		}
	}

	var audio []byte
	if req.Audio != "" {
		if audio, err = base64.StdEncoding.DecodeString(req.Audio); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode audio: %w", err))
			return
		}
	}

	history := make([]state.MoveRecord, 0, len(req.MovementHistory))
	for _, raw := range req.MovementHistory {
		history = append(history, state.MoveRecord{Move: raw})
	}

	reply, err := g.oracle.Decide(r.Context(), oracle.Input{
		Context: oracle.Context{
			DistanceCm:       req.Distance,
			SafetyDistanceCm: g.cfg.Robot.SafetyDistanceCm,
			Plan:             req.Plan,
			Subplan:          req.Subplan,
			Map:              req.Map,
			Memory:           req.Memory,
			Goal:             req.MainGoal,
			Lang:             req.Lang,
			History:          history,
			Extra:            req.Prompt,
		},
		Image: image,
		Audio: audio,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	body, err := decision.Encode(reply.Decision)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

type tickRequest struct {
	Distance     float64 `json:"distance"`
	Audio        string  `json:"audio"`
	CaptureAudio bool    `json:"capture_audio"`
}

func (g *Gateway) handleTick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	snap := pilot.Snapshot{DistanceCm: req.Distance, CaptureAudio: req.CaptureAudio}
	if req.Audio != "" {
		audio, err := base64.StdEncoding.DecodeString(req.Audio)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode audio: %w", err))
			return
		}
		snap.Audio = audio
	}

	res := g.loop.Tick(r.Context(), snap)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if res.TickID != "" {
		w.Header().Set("X-Tick-Id", res.TickID)
	}
	if res.Outcome.Vetoed {
		w.Header().Set("X-Vetoed", "true")
	}
	io.WriteString(w, res.Command)
}

func (g *Gateway) handleCamera(w http.ResponseWriter, r *http.Request) {
	image, err := g.camera.Acquire(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(image))
	w.Write(image)
}

func (g *Gateway) handleLLM(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.URL.Query().Get("text"))
	if text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	answer, err := g.oracle.Ask(r.Context(), text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, answer)
}

func (g *Gateway) handleAskVision(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.URL.Query().Get("text"))
	if text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	image, err := g.camera.Acquire(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("no image: %w", err))
		return
	}
	answer, err := g.oracle.AskImage(r.Context(), text, image)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, answer)
}

func (g *Gateway) handleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if err := g.ApplyControl(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, g.stateView())
}

func (g *Gateway) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.stateView())
}

type stateView struct {
	state.RobotState
	Mood  string `json:"rgb"`
	Model string `json:"model"`
}

func (g *Gateway) stateView() stateView {
	st := g.store.Snapshot()
	return stateView{RobotState: st, Mood: st.Mood.String(), Model: g.oracle.Preferred()}
}
