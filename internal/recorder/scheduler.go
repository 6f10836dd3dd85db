// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/n-recorder/internal/config"
	"github.com/robfig/cron/v3"
)

// ScheduleResult armazena o resultado da última execução de um agendamento.
type ScheduleResult struct {
	Status          string    `json:"status"` // "completed", "failed", "skipped"
	DurationSeconds float64   `json:"duration_seconds"`
	Samples         uint64    `json:"samples"`
	File            string    `json:"file"`
	Timestamp       time.Time `json:"timestamp"`
}

// ScheduledJob é um agendamento de gravação com guard de execução.
type ScheduledJob struct {
	Entry      config.ScheduleEntry
	mu         sync.Mutex
	running    bool
	LastResult *ScheduleResult
}

// Scheduler dispara sessões de gravação por cron expression: a cada fire,
// dirige o recorder por update → select → filename → start, aguarda a
// duração configurada e encerra a sessão.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	rec    *Recorder
	jobs   []*ScheduledJob
}

// NewScheduler cria um Scheduler com um cron job por schedule entry.
func NewScheduler(rec *Recorder, entries []config.ScheduleEntry, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		logger: logger.With("component", "scheduler"),
		rec:    rec,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	for _, entry := range entries {
		job := &ScheduledJob{Entry: entry}
		s.jobs = append(s.jobs, job)

		jobRef := job
		if _, err := c.AddFunc(entry.Cron, func() {
			s.executeJob(jobRef)
		}); err != nil {
			return nil, fmt.Errorf("adding cron job for schedule %q: %w", entry.Name, err)
		}

		s.logger.Info("registered recording schedule",
			"schedule", entry.Name,
			"cron", entry.Cron,
			"duration", entry.Duration,
		)
	}

	s.cron = c
	return s, nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop para o scheduler e aguarda jobs em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// Jobs retorna os agendamentos registrados.
func (s *Scheduler) Jobs() []*ScheduledJob {
	return s.jobs
}

func (s *Scheduler) executeJob(job *ScheduledJob) {
	entry := job.Entry
	jobLogger := s.logger.With("schedule", entry.Name)

	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		jobLogger.Warn("previous scheduled recording still running, skipping")
		job.LastResult = &ScheduleResult{Status: "skipped", Timestamp: time.Now()}
		return
	}
	job.running = true
	job.mu.Unlock()

	defer func() {
		job.mu.Lock()
		job.running = false
		job.mu.Unlock()
	}()

	jobLogger.Info("scheduled recording triggered")
	start := time.Now()

	samples, file, err := s.runSession(entry, jobLogger)
	duration := time.Since(start)

	if err != nil {
		jobLogger.Error("scheduled recording failed", "error", err, "duration", duration)
		job.LastResult = &ScheduleResult{
			Status:          "failed",
			DurationSeconds: duration.Seconds(),
			Timestamp:       time.Now(),
		}
		return
	}

	jobLogger.Info("scheduled recording completed", "duration", duration, "samples", samples)
	job.LastResult = &ScheduleResult{
		Status:          "completed",
		DurationSeconds: duration.Seconds(),
		Samples:         samples,
		File:            file,
		Timestamp:       time.Now(),
	}
}

// runSession dirige o recorder pelo ciclo completo de uma sessão agendada.
func (s *Scheduler) runSession(entry config.ScheduleEntry, jobLogger *slog.Logger) (uint64, string, error) {
	if st := s.rec.State(); st != StateIdle && st != StateReady {
		return 0, "", Errorf(KindInvalidState, "recorder busy in state %s", st)
	}

	if _, err := s.rec.UpdateStreams(); err != nil {
		return 0, "", fmt.Errorf("discovery: %w", err)
	}
	if _, err := s.rec.Select(strings.Fields(entry.Select)); err != nil {
		return 0, "", fmt.Errorf("select: %w", err)
	}
	if _, err := s.rec.SetFilename(entry.Filename); err != nil {
		return 0, "", fmt.Errorf("filename: %w", err)
	}
	if err := s.rec.Start(); err != nil {
		return 0, "", fmt.Errorf("start: %w", err)
	}

	// Aguarda a duração; se a sessão morrer antes (erro fatal de writer),
	// encerra o wait imediatamente.
	deadline := time.Now().Add(entry.Duration)
	for time.Now().Before(deadline) {
		if s.rec.State() != StateRecording {
			jobLogger.Warn("session ended before scheduled duration")
			return 0, "", fmt.Errorf("session aborted early")
		}
		time.Sleep(250 * time.Millisecond)
	}

	status := s.rec.Status()
	var samples uint64
	for _, st := range status.Streams {
		samples += st.SampleCount
	}

	if err := s.rec.Stop(); err != nil {
		return samples, status.Filename, fmt.Errorf("stop: %w", err)
	}
	return samples, status.Filename, nil
}
