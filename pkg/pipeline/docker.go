package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const labelRunName = "stackclass.dev/run"

type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerConfig groups settings for running the tester image on a local Docker daemon.
type DockerConfig struct {
	Host          string
	Network       string
	MemoryLimitMB int64
	Logger        zerolog.Logger
}

// DockerPlatform runs the tester image as a container, passing the run parameters as environment.
// It is meant for single-node development setups without Tekton.
type DockerPlatform struct {
	client dockerAPI
	cfg    DockerConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewDockerPlatform constructs a Docker backed platform.
func NewDockerPlatform(cfg DockerConfig) (*DockerPlatform, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return newDockerPlatform(cli, cfg), nil
}

func newDockerPlatform(api dockerAPI, cfg DockerConfig) *DockerPlatform {
	if cfg.Network == "" {
		cfg.Network = "bridge"
	}
	return &DockerPlatform{
		client: api,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/stagerun-api/pkg/pipeline"),
		logger: cfg.Logger.With().Str("component", "docker_platform").Logger(),
	}
}

// Name identifies the backend in metrics and logs.
func (p *DockerPlatform) Name() string {
	return "docker"
}

// Create starts a container named after the run.
func (p *DockerPlatform) Create(parent context.Context, run PipelineRun) error {
	image := run.Param(ParamTesterImage)
	if image == "" {
		return fmt.Errorf("create pipeline container: %s parameter is required", ParamTesterImage)
	}

	ctx, span := p.tracer.Start(parent, "pipeline.docker.create", trace.WithAttributes(
		attribute.String("pipeline.run", run.Name()),
		attribute.String("docker.image", image),
	))
	defer span.End()

	labels := make(map[string]string, len(run.Metadata.Labels)+1)
	for key, value := range run.Metadata.Labels {
		labels[key] = value
	}
	labels[labelRunName] = run.Name()

	config := &container.Config{
		Image:  image,
		Env:    paramsToEnv(run.Spec.Params),
		Labels: labels,
	}
	if command := run.Param(ParamCommand); command != "" {
		config.Cmd = []string{command}
	}

	hostCfg := &container.HostConfig{
		AutoRemove:  false,
		NetworkMode: container.NetworkMode(p.cfg.Network),
	}
	if p.cfg.MemoryLimitMB > 0 {
		hostCfg.Resources.Memory = p.cfg.MemoryLimitMB * 1024 * 1024
	}

	start := time.Now()
	resp, err := p.client.ContainerCreate(ctx, config, hostCfg, &network.NetworkingConfig{}, nil, run.Name())
	if err != nil {
		submitDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
		if errdefs.IsConflict(err) {
			submissions.WithLabelValues(p.Name(), "conflict").Inc()
			return ErrRunExists
		}
		submissions.WithLabelValues(p.Name(), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("container create: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		submitDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
		submissions.WithLabelValues(p.Name(), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("container start: %w", err)
	}

	submitDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	submissions.WithLabelValues(p.Name(), "created").Inc()
	p.logger.Debug().Str("container_id", resp.ID).Str("run", run.Name()).Msg("pipeline container started")
	return nil
}

// Status maps the container state to a RunState.
func (p *DockerPlatform) Status(ctx context.Context, name string) (status RunStatus, err error) {
	defer func() { observePoll(p.Name(), status, err) }()

	inspect, err := p.client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return RunStatus{}, ErrRunNotFound
		}
		return RunStatus{}, fmt.Errorf("container inspect: %w", err)
	}

	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return RunStatus{State: RunRunning}, nil
	}

	state := inspect.State
	switch state.Status {
	case "exited":
		if state.ExitCode == 0 {
			return RunStatus{State: RunSucceeded, Reason: "Succeeded"}, nil
		}
		return RunStatus{State: RunFailed, Reason: "Failed", Message: fmt.Sprintf("tester exited with code %d", state.ExitCode)}, nil
	case "dead":
		return RunStatus{State: RunFailed, Reason: "Failed", Message: state.Error}, nil
	default:
		return RunStatus{State: RunRunning}, nil
	}
}

// Release removes the finished container.
func (p *DockerPlatform) Release(ctx context.Context, name string) error {
	if err := p.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// Close shuts down the underlying client.
func (p *DockerPlatform) Close() error {
	if closer, ok := p.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func paramsToEnv(params []Param) []string {
	env := make([]string, 0, len(params))
	for _, param := range params {
		env = append(env, param.Name+"="+param.Value)
	}
	sort.Strings(env)
	return env
}
