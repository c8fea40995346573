package audio

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const DefaultTTSBaseURL = "https://texttospeech.googleapis.com"

// Voice is a Cloud Text-to-Speech voice selection.
type Voice struct {
	LanguageCode string
	Name         string
}

// Voices maps the short language codes accepted by /speak.
var Voices = map[string]Voice{
	"en": {LanguageCode: "en-US", Name: "en-US-Wavenet-D"},
	"ru": {LanguageCode: "ru-RU", Name: "ru-RU-Wavenet-B"},
	"cz": {LanguageCode: "cs-CZ", Name: "cs-CZ-Wavenet-A"},
	"cs": {LanguageCode: "cs-CZ", Name: "cs-CZ-Wavenet-A"},
}

// Synthesizer turns text into WAV files, caching each lang:text pair on disk.
type Synthesizer struct {
	APIKey   string
	BaseURL  string
	CacheDir string
	Client   *http.Client

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]string
}

func NewSynthesizer(apiKey, baseURL, cacheDir string) *Synthesizer {
	if baseURL == "" {
		baseURL = DefaultTTSBaseURL
	}
	return &Synthesizer{
		APIKey:   apiKey,
		BaseURL:  strings.TrimRight(baseURL, "/"),
		CacheDir: cacheDir,
		Client:   &http.Client{Timeout: 30 * time.Second},
		cache:    make(map[string]string),
	}
}

func cacheKey(lang, text string) string {
	return lang + ":" + text
}

// Synthesize returns the path of a WAV file speaking text. Concurrent calls
// for the same key share one request.
func (s *Synthesizer) Synthesize(ctx context.Context, text, lang string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty text")
	}
	voice, ok := Voices[strings.ToLower(lang)]
	if !ok {
		voice = Voices["en"]
		lang = "en"
	}
	key := cacheKey(lang, text)

	if path, ok := s.cached(key); ok {
		return path, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		if path, ok := s.cached(key); ok {
			return path, nil
		}
		audio, err := s.request(ctx, text, voice)
		if err != nil {
			return "", err
		}
		path, err := s.store(key, audio)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.cache[key] = path
		s.mu.Unlock()
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Synthesizer) cached(key string) (string, bool) {
	s.mu.Lock()
	path, ok := s.cache[key]
	s.mu.Unlock()
	if !ok {
		// clips from an earlier run
		path = s.pathFor(key)
		if _, err := os.Stat(path); err != nil {
			return "", false
		}
		s.mu.Lock()
		s.cache[key] = path
		s.mu.Unlock()
		return path, true
	}
	if _, err := os.Stat(path); err != nil {
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
		return "", false
	}
	return path, true
}

type synthesizeRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice struct {
		LanguageCode string `json:"languageCode"`
		Name         string `json:"name"`
	} `json:"voice"`
	AudioConfig struct {
		AudioEncoding string  `json:"audioEncoding"`
		VolumeGainDb  float64 `json:"volumeGainDb"`
	} `json:"audioConfig"`
}

type synthesizeResponse struct {
	AudioContent string `json:"audioContent"`
}

func (s *Synthesizer) request(ctx context.Context, text string, voice Voice) ([]byte, error) {
	if s.APIKey == "" {
		return nil, fmt.Errorf("text-to-speech API key is not configured")
	}
	var body synthesizeRequest
	body.Input.Text = text
	body.Voice.LanguageCode = voice.LanguageCode
	body.Voice.Name = voice.Name
	body.AudioConfig.AudioEncoding = "LINEAR16"
	body.AudioConfig.VolumeGainDb = 10
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	endpoint := s.BaseURL + "/v1/text:synthesize?key=" + url.QueryEscape(s.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	var out synthesizeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse tts response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil || len(audio) == 0 {
		return nil, fmt.Errorf("tts response has no audio")
	}
	return audio, nil
}

func (s *Synthesizer) pathFor(key string) string {
	dir := s.CacheDir
	if dir == "" {
		dir = os.TempDir()
	}
	sum := sha1.Sum([]byte(key))
	return filepath.Join(dir, "tts-"+hex.EncodeToString(sum[:])+".wav")
}

func (s *Synthesizer) store(key string, audio []byte) (string, error) {
	path := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create tts cache: %w", err)
	}
	if err := os.WriteFile(path, audio, 0644); err != nil {
		return "", fmt.Errorf("write tts audio: %w", err)
	}
	return path, nil
}

// Sweep deletes cached clips older than maxAge and returns how many went.
func (s *Synthesizer) Sweep(maxAge time.Duration) (int, error) {
	dir := filepath.Dir(s.pathFor(""))
	matches, err := filepath.Glob(filepath.Join(dir, "tts-*.wav"))
	if err != nil {
		return 0, fmt.Errorf("list tts cache: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
		removed++
	}

	s.mu.Lock()
	for key, path := range s.cache {
		if _, err := os.Stat(path); err != nil {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()
	return removed, nil
}
