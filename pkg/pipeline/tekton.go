package pipeline

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tektonConditionSucceeded = "Succeeded"

// TektonConfig groups the Kubernetes API settings for the Tekton backend.
type TektonConfig struct {
	APIServer string
	Token     string
	Namespace string
	Insecure  bool
	Timeout   time.Duration
	Logger    zerolog.Logger
}

// TektonPlatform creates and reads PipelineRun resources through the Kubernetes REST API.
type TektonPlatform struct {
	client    *resty.Client
	namespace string
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewTektonPlatform constructs a Tekton backed platform.
func NewTektonPlatform(cfg TektonConfig) (*TektonPlatform, error) {
	if cfg.APIServer == "" {
		return nil, fmt.Errorf("kubernetes api server must not be empty")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("namespace must not be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.APIServer, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	if cfg.Insecure {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // dev clusters only
	}

	return &TektonPlatform{
		client:    client,
		namespace: cfg.Namespace,
		tracer:    otel.Tracer("github.com/noah-isme/stagerun-api/pkg/pipeline"),
		logger:    cfg.Logger.With().Str("component", "tekton_platform").Logger(),
	}, nil
}

// Name identifies the backend in metrics and logs.
func (p *TektonPlatform) Name() string {
	return "tekton"
}

// Create submits the run.
func (p *TektonPlatform) Create(parent context.Context, run PipelineRun) error {
	ctx, span := p.tracer.Start(parent, "pipeline.tekton.create", trace.WithAttributes(
		attribute.String("pipeline.run", run.Name()),
	))
	defer span.End()

	start := time.Now()
	run.Metadata.Namespace = p.namespace
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(run).
		Post(p.collectionPath())
	submitDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		submissions.WithLabelValues(p.Name(), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("create pipeline run: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		submissions.WithLabelValues(p.Name(), "created").Inc()
		return nil
	case http.StatusConflict:
		submissions.WithLabelValues(p.Name(), "conflict").Inc()
		return ErrRunExists
	default:
		submissions.WithLabelValues(p.Name(), "rejected").Inc()
		err := fmt.Errorf("create pipeline run: unexpected status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
		span.SetStatus(codes.Error, err.Error())
		return err
	}
}

// Status reads the run and maps its Succeeded condition to a RunState.
func (p *TektonPlatform) Status(parent context.Context, name string) (status RunStatus, err error) {
	ctx, span := p.tracer.Start(parent, "pipeline.tekton.status", trace.WithAttributes(
		attribute.String("pipeline.run", name),
	))
	defer span.End()
	defer func() { observePoll(p.Name(), status, err) }()

	var run PipelineRun
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&run).
		Get(p.collectionPath() + "/" + name)
	if err != nil {
		span.RecordError(err)
		return RunStatus{}, fmt.Errorf("get pipeline run: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return RunStatus{}, ErrRunNotFound
	case resp.IsError():
		return RunStatus{}, fmt.Errorf("get pipeline run: unexpected status %d", resp.StatusCode())
	}

	return statusFromConditions(run.Status), nil
}

func (p *TektonPlatform) collectionPath() string {
	return fmt.Sprintf("/apis/tekton.dev/v1/namespaces/%s/pipelineruns", p.namespace)
}

func statusFromConditions(status *PipelineRunStatus) RunStatus {
	if status == nil {
		return RunStatus{State: RunRunning}
	}
	for _, condition := range status.Conditions {
		if condition.Type != tektonConditionSucceeded {
			continue
		}
		result := RunStatus{Reason: condition.Reason, Message: condition.Message}
		switch condition.Status {
		case "True":
			result.State = RunSucceeded
		case "False":
			result.State = RunFailed
		default:
			result.State = RunRunning
		}
		return result
	}
	return RunStatus{State: RunRunning}
}
