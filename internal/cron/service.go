// Package cron runs consolidation sweeps on cron schedules.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// SweepFunc performs one sweep and returns a short human-readable result.
type SweepFunc func(ctx context.Context, job Job) (string, error)

type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Enabled  bool     `json:"enabled"`
	State    JobState `json:"state"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastResult  string `json:"lastResult,omitempty"`
	Runs        int    `json:"runs,omitempty"`
}

func NewJob(name, schedule string) Job {
	return Job{
		ID:       uuid.NewString(),
		Name:     strings.TrimSpace(name),
		Schedule: strings.TrimSpace(schedule),
		Enabled:  true,
	}
}

// ValidateSchedule accepts six-field expressions (seconds first) and descriptors such as "@every 5m".
func ValidateSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("empty schedule")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return nil
}

// Service owns a set of sweep jobs. With an empty storePath jobs live in memory only.
type Service struct {
	storePath string
	mu        sync.Mutex
	jobs      []Job
	OnSweep   SweepFunc
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx    context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
}

func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		entryMap:  make(map[string]rcron.EntryID),
	}
}

func (s *Service) Start(ctx context.Context) error {
	if err := s.load(); err != nil {
		log.Printf("[cron] warning: failed to load jobs: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	c := rcron.New(rcron.WithSeconds(), rcron.WithChain(rcron.SkipIfStillRunning(rcron.DefaultLogger)))

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = c
	for i := range s.jobs {
		if s.jobs[i].Enabled {
			s.registerJob(s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	c.Start()
	log.Printf("[cron] started with %d jobs", count)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()

	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job Job) {
	if s.cron == nil {
		return
	}
	id, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(s.context(), job.ID)
	})
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", job.Name, job.Schedule, err)
		return
	}
	s.entryMap[job.ID] = id
}

// unregisterJob must be called with s.mu held.
func (s *Service) unregisterJob(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, id)
	}
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

func (s *Service) executeJob(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return "", fmt.Errorf("job %s not found", id)
	}
	job := s.jobs[idx]
	handler := s.OnSweep
	s.mu.Unlock()

	log.Printf("[cron] executing job %s (%s)", job.Name, job.ID)
	if handler == nil {
		log.Printf("[cron] no OnSweep handler set")
		return "", fmt.Errorf("no sweep handler")
	}

	result, err := handler(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx = s.indexOf(id); idx >= 0 {
		st := &s.jobs[idx].State
		st.LastRunAtMs = time.Now().UnixMilli()
		st.Runs++
		if err != nil {
			st.LastStatus = StatusError
			st.LastError = err.Error()
			st.LastResult = ""
			log.Printf("[cron] job %s error: %v", job.Name, err)
		} else {
			st.LastStatus = StatusOK
			st.LastError = ""
			st.LastResult = truncate(result, 200)
			log.Printf("[cron] job %s result: %s", job.Name, truncate(result, 100))
		}
		if saveErr := s.save(); saveErr != nil {
			log.Printf("[cron] warning: failed to save jobs: %v", saveErr)
		}
	}
	return result, err
}

// RunNow executes a job immediately, outside its schedule.
func (s *Service) RunNow(ctx context.Context, id string) (string, error) {
	return s.executeJob(ctx, id)
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[cron] stopped")
}

func (s *Service) AddJob(name, schedule string) (*Job, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewJob(name, schedule)
	s.jobs = append(s.jobs, job)
	s.registerJob(job)

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

// EnsureJob returns the job with the given name, creating it or updating its
// schedule as needed. Call it after Start so stored jobs are already loaded.
func (s *Service) EnsureJob(name, schedule string) (*Job, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	schedule = strings.TrimSpace(schedule)

	s.mu.Lock()
	for i := range s.jobs {
		if s.jobs[i].Name != name {
			continue
		}
		if s.jobs[i].Schedule != schedule {
			s.jobs[i].Schedule = schedule
			s.unregisterJob(s.jobs[i].ID)
			if s.jobs[i].Enabled {
				s.registerJob(s.jobs[i])
			}
			if err := s.save(); err != nil {
				s.mu.Unlock()
				return nil, fmt.Errorf("save jobs: %w", err)
			}
		}
		job := s.jobs[i]
		s.mu.Unlock()
		return &job, nil
	}
	s.mu.Unlock()
	return s.AddJob(name, schedule)
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return false
	}
	s.unregisterJob(id)
	s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	_ = s.save()
	return true
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

	idx := s.indexOf(id)
	if idx < 0 {
		return nil, fmt.Errorf("job %s not found", id)
	}
	s.jobs[idx].Enabled = enabled
	if enabled {
		if _, ok := s.entryMap[id]; !ok {
			s.registerJob(s.jobs[idx])
		}
	} else {
		s.unregisterJob(id)
	}
	_ = s.save()
	job := s.jobs[idx]
	return &job, nil
}

func (s *Service) indexOf(id string) int {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return i
		}
	}
	return -1
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
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
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
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
