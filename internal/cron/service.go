package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

var ErrNoHandler = errors.New("no handler for task")

// TaskFunc performs one housekeeping task and returns a short summary.
type TaskFunc func(ctx context.Context, p Payload) (string, error)

// Service runs housekeeping jobs. Job definitions and their last results
// persist in a JSON file so operators can inspect and toggle them.
type Service struct {
	storePath string
	logger    *slog.Logger

	mu       sync.Mutex
	jobs     []Job
	tasks    map[string]TaskFunc
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewService(storePath string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		storePath: storePath,
		logger:    logger,
		tasks:     make(map[string]TaskFunc),
		entryMap:  make(map[string]rcron.EntryID),
	}
	if err := s.load(); err != nil {
		logger.Warn("failed to load jobs", "path", storePath, "error", err)
	}
	return s
}

// Handle registers fn for jobs whose payload names task.
func (s *Service) Handle(task string, fn TaskFunc) {
	s.mu.Lock()
	s.tasks[task] = fn
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.cron = rcron.New(rcron.WithSeconds())
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == "cron" {
			s.registerJob(&s.jobs[i])
		}
	}
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("started", "jobs", n)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tickLoop(runCtx)
	}()
	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job *Job) {
	id := job.ID
	entry, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		s.execute(id)
	})
	if err != nil {
		s.logger.Error("failed to register job", "job", job.Name, "expr", job.Schedule.Expr, "error", err)
		return
	}
	s.entryMap[id] = entry
}

// RunNow executes the job immediately regardless of its schedule.
func (s *Service) RunNow(id string) (string, error) {
	return s.execute(id)
}

func (s *Service) execute(id string) (string, error) {
	s.mu.Lock()
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			copied := s.jobs[i]
			job = &copied
			break
		}
	}
	fn := s.tasksFor(job)
	ctx := s.runCtx
	s.mu.Unlock()

	if job == nil {
		return "", fmt.Errorf("job %s not found", id)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		result string
		err    error
	)
	if fn == nil {
		err = fmt.Errorf("%w %q", ErrNoHandler, job.Payload.Task)
	} else {
		result, err = fn(ctx, job.Payload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAtMs = time.Now().UnixMilli()
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
			st.LastResult = ""
			s.logger.Error("job failed", "job", job.Name, "task", job.Payload.Task, "error", err)
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
			st.LastResult = truncate(result, 200)
			s.logger.Info("job done", "job", job.Name, "task", job.Payload.Task, "result", truncate(result, 100))
		}
		break
	}
	if serr := s.save(); serr != nil {
		s.logger.Warn("failed to save jobs", "error", serr)
	}
	return result, err
}

func (s *Service) tasksFor(job *Job) TaskFunc {
	if job == nil {
		return nil
	}
	return s.tasks[job.Payload.Task]
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now().UnixMilli()
			var due []string
			s.mu.Lock()
			for i := range s.jobs {
				job := &s.jobs[i]
				if !job.Enabled || job.Schedule.Kind != "every" || job.Schedule.EveryMs <= 0 {
					continue
				}
				if now >= job.State.LastRunAtMs+job.Schedule.EveryMs {
					// claim the slot so a slow task is not started twice
					job.State.LastRunAtMs = now
					due = append(due, job.ID)
				}
			}
			s.mu.Unlock()
			for _, id := range due {
				s.execute(id)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	c := s.cron
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
	}
	s.logger.Info("stopped")
}

func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*Job, error) {
	if err := validate(schedule); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)

	if job.Schedule.Kind == "cron" && s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

// EnsureJob adds a job unless one with the same name already exists.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*Job, error) {
	s.mu.Lock()
	for _, job := range s.jobs {
		if job.Name == name {
			s.mu.Unlock()
			return &job, nil
		}
	}
	s.mu.Unlock()
	return s.AddJob(name, schedule, payload)
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			if entryID, ok := s.entryMap[id]; ok {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			_ = s.save()
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.jobs[i].Schedule.Kind == "cron" && s.cron != nil {
			if enabled {
				if _, ok := s.entryMap[id]; !ok {
					s.registerJob(&s.jobs[i])
				}
			} else if entryID, ok := s.entryMap[id]; ok {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
		}
		_ = s.save()
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", id)
}

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

func validate(s Schedule) error {
	switch s.Kind {
	case "cron":
		if _, err := parser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
	case "every":
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

func (s *Service) load() error {
	if s.storePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &s.jobs)
}

func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
