package pipeline

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RunState is the coarse lifecycle of a submitted run.
type RunState string

const (
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
)

// Terminal reports whether the state ends a watch.
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// RunStatus is a point-in-time observation of a run.
type RunStatus struct {
	State   RunState
	Reason  string
	Message string
}

// ErrRunNotFound indicates the platform has no run with the requested name.
var ErrRunNotFound = errors.New("pipeline run not found")

// ErrRunExists indicates a run with the same name was already submitted.
var ErrRunExists = errors.New("pipeline run already exists")

// Platform submits runs to an execution backend and reports their status.
type Platform interface {
	Name() string
	Create(ctx context.Context, run PipelineRun) error
	Status(ctx context.Context, name string) (RunStatus, error)
}

// Releaser is implemented by platforms that hold resources for finished runs.
type Releaser interface {
	Release(ctx context.Context, name string) error
}

var (
	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stagerun",
		Subsystem: "pipeline",
		Name:      "submissions_total",
		Help:      "Number of pipeline runs submitted, by platform and outcome",
	}, []string{"platform", "outcome"})

	submitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stagerun",
		Subsystem: "pipeline",
		Name:      "submit_duration_seconds",
		Help:      "Latency of pipeline run submissions",
		Buckets:   prometheus.DefBuckets,
	}, []string{"platform"})

	polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stagerun",
		Subsystem: "pipeline",
		Name:      "status_polls_total",
		Help:      "Number of pipeline run status reads, by platform and observed state",
	}, []string{"platform", "state"})
)

func observePoll(platform string, status RunStatus, err error) {
	state := string(status.State)
	if err != nil {
		state = "error"
	}
	polls.WithLabelValues(platform, state).Inc()
}
