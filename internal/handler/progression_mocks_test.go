package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/stagerun-api/internal/dto"
	"github.com/noah-isme/stagerun-api/internal/models"
	"github.com/noah-isme/stagerun-api/internal/service"
	"github.com/noah-isme/stagerun-api/pkg/pipeline"
)

type mockPushService struct {
	mu          sync.Mutex
	lastEvent   dto.PushEvent
	lastTrigger uuid.UUID
	outcome     service.PushOutcome
	run         pipeline.PipelineRun
	err         error
}

func (m *mockPushService) HandlePush(_ context.Context, event dto.PushEvent) (service.PushOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEvent = event
	return m.outcome, m.err
}

func (m *mockPushService) TriggerCurrentStage(_ context.Context, enrollmentID uuid.UUID) (pipeline.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTrigger = enrollmentID
	if m.err != nil {
		return pipeline.PipelineRun{}, m.err
	}
	return m.run, nil
}

type mockWebhookService struct {
	lastBody []byte
	outcome  service.NotificationOutcome
	err      error
}

func (m *mockWebhookService) HandlePipelineNotification(_ context.Context, body []byte) (service.NotificationOutcome, error) {
	m.lastBody = append([]byte(nil), body...)
	return m.outcome, m.err
}

type mockStageService struct {
	mu         sync.Mutex
	stages     []dto.UserStageResponse
	enrollment dto.EnrollmentResponse
	statuses   []dto.UserStageStatusResponse
	statusCall int
	err        error
}

func (m *mockStageService) Complete(context.Context, service.CompletionRequest) (models.StageProgress, error) {
	return models.StageProgress{}, nil
}

func (m *mockStageService) RecordFailure(context.Context, service.FailureRequest) (models.StageProgress, error) {
	return models.StageProgress{}, nil
}

func (m *mockStageService) ListUserStages(_ context.Context, _, _ string) ([]dto.UserStageResponse, error) {
	return m.stages, m.err
}

func (m *mockStageService) GetUserStage(_ context.Context, _, _, stage string) (dto.UserStageResponse, error) {
	if m.err != nil {
		return dto.UserStageResponse{}, m.err
	}
	for _, item := range m.stages {
		if item.Stage.Slug == stage {
			return item, nil
		}
	}
	return dto.UserStageResponse{}, service.ErrStageNotFound
}

func (m *mockStageService) GetEnrollment(context.Context, string, string) (dto.EnrollmentResponse, error) {
	return m.enrollment, m.err
}

// StageStatus walks through the scripted statuses and repeats the last one.
func (m *mockStageService) StageStatus(context.Context, string, string, string) (dto.UserStageStatusResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return dto.UserStageStatusResponse{}, m.err
	}
	idx := m.statusCall
	if idx >= len(m.statuses) {
		idx = len(m.statuses) - 1
	}
	m.statusCall++
	return m.statuses[idx], nil
}

type mockProgressService struct {
	mu          sync.Mutex
	subscribers []chan dto.StageProgressEvent
}

func (m *mockProgressService) Publish(_ context.Context, event dto.StageProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (m *mockProgressService) Subscribe(string) (<-chan dto.StageProgressEvent, func()) {
	ch := make(chan dto.StageProgressEvent, 4)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch, func() {}
}

func (m *mockProgressService) Start(context.Context) {}

func (m *mockProgressService) subscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Details struct {
		Code string `json:"code"`
	} `json:"details"`
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var payload envelope
	require.NoError(t, json.Unmarshal(body, &payload))
	return payload
}
