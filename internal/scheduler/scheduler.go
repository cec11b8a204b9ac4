package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/storetalon/storetalon/internal/orchestrator"
	"github.com/storetalon/storetalon/internal/progress"
)

// Runner executes a merchant request end to end.
type Runner interface {
	Handle(ctx context.Context, req orchestrator.Request, sink progress.Sink) (*orchestrator.Response, error)
	Reject(confirmationID string) error
}

// Job is a request run on a cron schedule, as if the merchant had typed it.
type Job struct {
	Name      string         `yaml:"name" json:"name"`
	Schedule  string         `yaml:"schedule" json:"schedule"` // cron spec or descriptor, e.g. "0 9 * * 1" or "@every 6h"
	Request   string         `yaml:"request" json:"request"`
	SessionID string         `yaml:"session_id,omitempty" json:"session_id,omitempty"`
	Context   map[string]any `yaml:"context,omitempty" json:"context,omitempty"`
	Paused    bool           `yaml:"paused,omitempty" json:"paused,omitempty"`
	Source    string         `yaml:"source,omitempty" json:"source,omitempty"` // "config" or "dynamic"
}

func (j Job) sessionID() string {
	if j.SessionID != "" {
		return j.SessionID
	}
	return "scheduler:" + j.Name
}

var (
	ErrConfigProtected = errors.New("config-defined jobs cannot be modified or removed")
	ErrJobNotFound     = errors.New("job not found")
)

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type runningJob struct {
	job   Job
	entry cron.EntryID
}

// Scheduler runs requests on cron schedules. Scheduled runs never approve
// anything: a plan that needs confirmation is logged and rejected.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*runningJob
	runner  Runner
	sink    progress.Sink
	dataDir string
	cron    *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. sink receives the progress of scheduled runs
// (nil discards it); dynamic jobs persist under dataDir when it is set.
func New(runner Runner, sink progress.Sink, dataDir string) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if sink == nil {
		sink = progress.Discard
	}
	return &Scheduler{
		jobs:    make(map[string]*runningJob),
		runner:  runner,
		sink:    sink,
		dataDir: dataDir,
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start registers static jobs and persisted dynamic jobs, then starts the cron loop.
func (s *Scheduler) Start(staticJobs []Job) error {
	for _, j := range staticJobs {
		j.Source = "config"
		if err := s.addJob(j); err != nil {
			log.Printf("scheduler: skipping static job %q: %v", j.Name, err)
		}
	}

	dynamicJobs, err := s.loadDynamic()
	if err != nil {
		log.Printf("scheduler: loading dynamic jobs: %v", err)
	}
	for _, j := range dynamicJobs {
		j.Source = "dynamic"
		if err := s.addJob(j); err != nil {
			log.Printf("scheduler: skipping dynamic job %q: %v", j.Name, err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// AddJob creates a new dynamic job at runtime.
func (s *Scheduler) AddJob(job Job) error {
	job.Source = "dynamic"
	if err := s.addJob(job); err != nil {
		return err
	}
	return s.persistDynamic()
}

// RemoveJob stops and removes a job by name. Config-defined jobs cannot be removed.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	rj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	if rj.job.Source == "config" {
		s.mu.Unlock()
		return ErrConfigProtected
	}
	s.cron.Remove(rj.entry)
	delete(s.jobs, name)
	s.mu.Unlock()

	return s.persistDynamic()
}

func (s *Scheduler) PauseJob(name string) error {
	s.mu.Lock()
	rj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	if rj.job.Paused {
		s.mu.Unlock()
		return nil
	}
	s.cron.Remove(rj.entry)
	rj.entry = 0
	rj.job.Paused = true
	s.mu.Unlock()

	return s.persistDynamic()
}

func (s *Scheduler) ResumeJob(name string) error {
	s.mu.Lock()
	rj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	if !rj.job.Paused {
		s.mu.Unlock()
		return fmt.Errorf("job %q is not paused", name)
	}
	entry, err := s.schedule(rj.job)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	rj.entry = entry
	rj.job.Paused = false
	s.mu.Unlock()

	return s.persistDynamic()
}

// ListJobs returns all registered jobs sorted by name.
func (s *Scheduler) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, rj := range s.jobs {
		out = append(out, rj.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) GetJob(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rj, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return rj.job, true
}

// RunNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*orchestrator.Response, error) {
	job, ok := s.GetJob(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) addJob(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Request == "" {
		return fmt.Errorf("job %q has no request", job.Name)
	}
	if _, err := specParser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("invalid schedule for job %q: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}
	rj := &runningJob{job: job}
	if !job.Paused {
		entry, err := s.schedule(job)
		if err != nil {
			return err
		}
		rj.entry = entry
	}
	s.jobs[job.Name] = rj
	return nil
}

// schedule must be called with s.mu held.
func (s *Scheduler) schedule(job Job) (cron.EntryID, error) {
	name := job.Name
	entry, err := s.cron.AddFunc(job.Schedule, func() {
		current, ok := s.GetJob(name)
		if !ok || current.Paused {
			return
		}
		if _, err := s.execute(s.ctx, current); err != nil {
			log.Printf("scheduler: job %q: %v", name, err)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("schedule job %q: %w", name, err)
	}
	return entry, nil
}

func (s *Scheduler) execute(ctx context.Context, job Job) (*orchestrator.Response, error) {
	log.Printf("scheduler: running job %q", job.Name)
	resp, err := s.runner.Handle(ctx, orchestrator.Request{
		SessionID: job.sessionID(),
		Text:      job.Request,
		Context:   job.Context,
	}, s.sink)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", job.Name, err)
	}
	if conf := resp.Confirmation; conf != nil {
		log.Printf("scheduler: job %q needs confirmation for %s (%s); not run", job.Name, conf.Action, conf.Kind)
		if err := s.runner.Reject(conf.ID); err != nil {
			log.Printf("scheduler: job %q: reject %s: %v", job.Name, conf.ID, err)
		}
		return resp, nil
	}
	log.Printf("scheduler: job %q finished: %d completed, %d failed", job.Name, resp.Completed, resp.Failed)
	return resp, nil
}

func (s *Scheduler) persistPath() string {
	return filepath.Join(s.dataDir, "scheduler", "jobs.yaml")
}

func (s *Scheduler) persistDynamic() error {
	if s.dataDir == "" {
		return nil
	}

	var dynamicJobs []Job
	for _, j := range s.ListJobs() {
		if j.Source == "dynamic" {
			dynamicJobs = append(dynamicJobs, j)
		}
	}

	dir := filepath.Dir(s.persistPath())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating scheduler dir: %w", err)
	}

	data, err := yaml.Marshal(dynamicJobs)
	if err != nil {
		return fmt.Errorf("marshaling jobs: %w", err)
	}

	return os.WriteFile(s.persistPath(), data, 0600)
}

func (s *Scheduler) loadDynamic() ([]Job, error) {
	if s.dataDir == "" {
		return nil, nil
	}

	data, err := os.ReadFile(s.persistPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading jobs file: %w", err)
	}

	var jobs []Job
	if err := yaml.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parsing jobs file: %w", err)
	}
	return jobs, nil
}
