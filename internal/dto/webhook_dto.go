package dto

// Job notification status values reported by the execution platform.
const (
	JobStatusSucceeded = "Succeeded"
	JobStatusFailed    = "Failed"
)

// PushEvent is the subset of a Gitea push hook needed to route the push.
type PushEvent struct {
	Ref        string         `json:"ref" validate:"required"`
	Before     string         `json:"before"`
	After      string         `json:"after"`
	Repository PushRepository `json:"repository" validate:"required"`
	Pusher     GitUser        `json:"pusher"`
}

// PushRepository identifies the pushed repository.
type PushRepository struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name" validate:"required,max=128"`
	FullName string  `json:"full_name"`
	Template bool    `json:"template"`
	Owner    GitUser `json:"owner"`
}

// GitUser is a Gitea account reference.
type GitUser struct {
	ID       int64  `json:"id"`
	Login    string `json:"login"`
	Username string `json:"username"`
}

// PipelineNotification is posted by the test pipeline when a run finishes.
type PipelineNotification struct {
	Name   string        `json:"name" validate:"required"`
	Status string        `json:"status"`
	Repo   string        `json:"repo" validate:"required"`
	Course string        `json:"course" validate:"required"`
	Stage  string        `json:"stage" validate:"required"`
	Secret string        `json:"secret" validate:"required"`
	Tasks  PipelineTasks `json:"tasks"`
}

// PipelineTasks groups per-task results.
type PipelineTasks struct {
	Test TaskResult `json:"test"`
}

// TaskResult reports the outcome of one pipeline task.
type TaskResult struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// WebhookAck is returned for accepted webhook deliveries.
type WebhookAck struct {
	Outcome string `json:"outcome"`
}
