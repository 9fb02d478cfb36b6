package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/stagerun-api/internal/observability"
	"github.com/noah-isme/stagerun-api/internal/repository"
	"github.com/noah-isme/stagerun-api/pkg/pipeline"
	"github.com/noah-isme/stagerun-api/pkg/signature"
)

// WatchOutcome is the terminal result of watching one pipeline run.
type WatchOutcome string

const (
	// WatchSucceeded means the run succeeded and the completion callback was invoked.
	WatchSucceeded WatchOutcome = "succeeded"
	// WatchFailed means the run reached a failed terminal state.
	WatchFailed WatchOutcome = "failed"
	// WatchAbandoned means the watch timed out or was cancelled before a terminal state.
	WatchAbandoned WatchOutcome = "abandoned"
	// WatchErrored means the platform could not report on the run.
	WatchErrored WatchOutcome = "errored"
)

const completionCallbackTimeout = 30 * time.Second

// CompletionFunc runs once when a watched run succeeds.
type CompletionFunc func(ctx context.Context, run string) error

// TriggerRequest identifies the learner repository, course and stage to test.
type TriggerRequest struct {
	Repo   string
	Course string
	Stage  string
}

// PipelineConfig configures job rendering and watching.
type PipelineConfig struct {
	Render          pipeline.RenderConfig
	WatchInterval   time.Duration
	WatchTimeout    time.Duration
	MaxPollFailures int
}

// PipelineService submits test runs and watches them to completion in the background.
type PipelineService interface {
	Trigger(ctx context.Context, req TriggerRequest, onSuccess CompletionFunc) (pipeline.PipelineRun, error)
	Watch(ctx context.Context, name string, onSuccess CompletionFunc) WatchOutcome
	Shutdown(ctx context.Context) error
}

type pipelineService struct {
	courses  repository.CourseRepository
	platform pipeline.Platform
	signer   signature.Signer
	cfg      PipelineConfig
	logger   zerolog.Logger
	tracer   trace.Tracer
	newName  func() (string, error)

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPipelineService constructs the pipeline orchestrator.
func NewPipelineService(courses repository.CourseRepository, platform pipeline.Platform, signer signature.Signer, cfg PipelineConfig, logger zerolog.Logger) PipelineService {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 10 * time.Second
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 6
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &pipelineService{
		courses:  courses,
		platform: platform,
		signer:   signer,
		cfg:      cfg,
		logger:   logger.With().Str("component", "pipeline_service").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/stagerun-api/internal/service/pipeline"),
		newName:  newRunName,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Trigger renders and submits a run, then watches it on a detached goroutine.
// The watch outlives ctx; it ends on a terminal state, the watch timeout or Shutdown.
func (s *pipelineService) Trigger(ctx context.Context, req TriggerRequest, onSuccess CompletionFunc) (pipeline.PipelineRun, error) {
	spanCtx, span := s.tracer.Start(ctx, "pipeline.trigger", trace.WithAttributes(
		attribute.String("pipeline.repo", req.Repo),
		attribute.String("pipeline.course", req.Course),
		attribute.String("pipeline.stage", req.Stage),
	))
	defer span.End()

	if err := s.baseCtx.Err(); err != nil {
		return pipeline.PipelineRun{}, fmt.Errorf("pipeline service stopped: %w", err)
	}

	stages, err := s.courses.StagesUntil(spanCtx, req.Course, req.Stage)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return pipeline.PipelineRun{}, ErrStageNotFound
		}
		return pipeline.PipelineRun{}, err
	}

	slugs := make([]string, 0, len(stages))
	for _, stage := range stages {
		slugs = append(slugs, stage.Slug)
	}

	name, err := s.newName()
	if err != nil {
		return pipeline.PipelineRun{}, err
	}

	run, err := pipeline.Render(s.cfg.Render, pipeline.RenderInput{
		Name:      name,
		Repo:      req.Repo,
		Course:    req.Course,
		Stage:     req.Stage,
		Stages:    slugs,
		Signature: s.signer.SignJob(req.Repo, req.Course, req.Stage),
	})
	if err != nil {
		return pipeline.PipelineRun{}, err
	}

	if err := s.platform.Create(spanCtx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return pipeline.PipelineRun{}, fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}

	span.SetAttributes(attribute.String("pipeline.run", name))
	s.logger.Info().
		Str("run", name).
		Str("repo", req.Repo).
		Str("course", req.Course).
		Str("stage", req.Stage).
		Int("test_cases", len(slugs)).
		Msg("pipeline run submitted")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Watch(s.baseCtx, name, onSuccess)
	}()

	return run, nil
}

// Watch polls the run until it reaches a terminal state. onSuccess is invoked at most once,
// and only when the run succeeds. Transient poll errors are tolerated up to the configured limit.
func (s *pipelineService) Watch(ctx context.Context, name string, onSuccess CompletionFunc) WatchOutcome {
	if s.cfg.WatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WatchTimeout)
		defer cancel()
	}

	observability.WatchesActive().Inc()
	defer observability.WatchesActive().Dec()

	logger := s.logger.With().Str("run", name).Logger()
	outcome := s.poll(ctx, name, logger)

	if outcome == WatchSucceeded && onSuccess != nil {
		callbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionCallbackTimeout)
		err := onSuccess(callbackCtx, name)
		cancel()
		switch {
		case err == nil:
		case IsOrderingViolation(err):
			logger.Debug().Err(err).Msg("completion already handled")
		default:
			logger.Error().Err(err).Msg("completion callback failed")
		}
	}

	if releaser, ok := s.platform.(pipeline.Releaser); ok && outcome != WatchAbandoned {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionCallbackTimeout)
		if err := releaser.Release(releaseCtx, name); err != nil {
			logger.Warn().Err(err).Msg("failed to release pipeline run")
		}
		cancel()
	}

	observability.WatchOutcomes().WithLabelValues(string(outcome)).Inc()
	logger.Info().Str("outcome", string(outcome)).Msg("pipeline watch finished")
	return outcome
}

func (s *pipelineService) poll(ctx context.Context, name string, logger zerolog.Logger) WatchOutcome {
	ticker := time.NewTicker(s.cfg.WatchInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return WatchAbandoned
		case <-ticker.C:
		}

		status, err := s.platform.Status(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return WatchAbandoned
			}
			if errors.Is(err, pipeline.ErrRunNotFound) {
				logger.Warn().Msg("pipeline run disappeared")
				return WatchErrored
			}
			failures++
			logger.Warn().Err(err).Int("failures", failures).Msg("pipeline status poll failed")
			if failures >= s.cfg.MaxPollFailures {
				return WatchErrored
			}
			continue
		}

		failures = 0
		switch status.State {
		case pipeline.RunSucceeded:
			return WatchSucceeded
		case pipeline.RunFailed:
			logger.Info().Str("reason", status.Reason).Str("message", status.Message).Msg("pipeline run failed")
			return WatchFailed
		}
	}
}

// Shutdown cancels every watcher and waits for them to return.
func (s *pipelineService) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newRunName() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run name: %w", err)
	}
	return id.String(), nil
}
