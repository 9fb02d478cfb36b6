// Package pipeline renders course test jobs and submits them to an execution platform.
package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Tekton resource identity.
const (
	APIVersion = "tekton.dev/v1"
	Kind       = "PipelineRun"
)

// Labels binding a run to the learner repository, course and stage it tests.
const (
	LabelRepo   = "stackclass.dev/repo"
	LabelCourse = "stackclass.dev/course"
	LabelStage  = "stackclass.dev/stage"
)

// Parameter names understood by the course test pipeline.
const (
	ParamRepoURL       = "REPO_URL"
	ParamCourseImage   = "COURSE_IMAGE"
	ParamTesterImage   = "TESTER_IMAGE"
	ParamTestImage     = "TEST_IMAGE"
	ParamCommand       = "COMMAND"
	ParamTestCasesJSON = "TEST_CASES_JSON"
	ParamWebhookURL    = "WEBHOOK_URL"
	ParamRepo          = "REPO"
	ParamCourse        = "COURSE"
	ParamStage         = "STAGE"
	ParamSecret        = "SECRET"
)

const (
	workspaceShared      = "shared-workspace"
	workspaceCredentials = "docker-credentials"
	podFSGroup           = 65532
	workspaceStorage     = "5Gi"
)

// PipelineRun is the typed job document submitted to the execution platform.
type PipelineRun struct {
	APIVersion string             `json:"apiVersion"`
	Kind       string             `json:"kind"`
	Metadata   ObjectMeta         `json:"metadata"`
	Spec       PipelineRunSpec    `json:"spec"`
	Status     *PipelineRunStatus `json:"status,omitempty"`
}

// ObjectMeta carries the run identity.
type ObjectMeta struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// PipelineRunSpec describes what to run.
type PipelineRunSpec struct {
	PipelineRef PipelineRef        `json:"pipelineRef"`
	PodTemplate PodTemplate        `json:"podTemplate"`
	Params      []Param            `json:"params"`
	Workspaces  []WorkspaceBinding `json:"workspaces"`
}

// PipelineRef names the pipeline definition.
type PipelineRef struct {
	Name string `json:"name"`
}

// PodTemplate customises the pods of the run.
type PodTemplate struct {
	SecurityContext SecurityContext `json:"securityContext"`
}

// SecurityContext sets pod level security attributes.
type SecurityContext struct {
	FSGroup int64 `json:"fsGroup"`
}

// Param is a single named string parameter.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// WorkspaceBinding binds a pipeline workspace to storage.
type WorkspaceBinding struct {
	Name                string               `json:"name"`
	VolumeClaimTemplate *VolumeClaimTemplate `json:"volumeClaimTemplate,omitempty"`
	Secret              *SecretVolume        `json:"secret,omitempty"`
}

// VolumeClaimTemplate requests a per-run volume.
type VolumeClaimTemplate struct {
	Spec VolumeClaimSpec `json:"spec"`
}

// VolumeClaimSpec is the subset of a PVC spec the pipeline needs.
type VolumeClaimSpec struct {
	AccessModes []string        `json:"accessModes"`
	Resources   VolumeResources `json:"resources"`
}

// VolumeResources holds storage requests.
type VolumeResources struct {
	Requests map[string]string `json:"requests"`
}

// SecretVolume mounts a secret as a workspace.
type SecretVolume struct {
	SecretName string `json:"secretName"`
}

// PipelineRunStatus is the subset of run status read back while watching.
type PipelineRunStatus struct {
	Conditions []Condition `json:"conditions,omitempty"`
}

// Condition is a Knative style status condition.
type Condition struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Name returns the run name.
func (r PipelineRun) Name() string {
	return r.Metadata.Name
}

// Param returns the value of the named parameter, or an empty string.
func (r PipelineRun) Param(name string) string {
	for _, param := range r.Spec.Params {
		if param.Name == name {
			return param.Value
		}
	}
	return ""
}

// TestCase is one entry of the cumulative regression list handed to the tester.
type TestCase struct {
	Slug      string `json:"slug"`
	LogPrefix string `json:"log_prefix"`
	Title     string `json:"title"`
}

// BuildTestCases numbers the ordered stage slugs from 1.
func BuildTestCases(slugs []string) []TestCase {
	cases := make([]TestCase, 0, len(slugs))
	for index, slug := range slugs {
		cases = append(cases, TestCase{
			Slug:      slug,
			LogPrefix: fmt.Sprintf("test-%d", index+1),
			Title:     fmt.Sprintf("Stage #%d: %s", index+1, slug),
		})
	}
	return cases
}

// RenderConfig holds the deployment specific values used to render runs.
type RenderConfig struct {
	GitServerEndpoint      string
	DockerRegistryEndpoint string
	WebhookEndpoint        string
	Namespace              string
	PipelineName           string
	TesterImagePrefix      string
}

// RenderInput identifies the job: learner repository, course, current stage and
// every stage slug up to and including the current one, in weight order.
type RenderInput struct {
	Name      string
	Repo      string
	Course    string
	Stage     string
	Stages    []string
	Signature string
}

// Render builds the PipelineRun document for input. It performs no I/O.
func Render(cfg RenderConfig, input RenderInput) (PipelineRun, error) {
	if input.Name == "" || input.Repo == "" || input.Course == "" || input.Stage == "" {
		return PipelineRun{}, fmt.Errorf("render pipeline run: name, repo, course and stage are required")
	}
	if len(input.Stages) == 0 || input.Stages[len(input.Stages)-1] != input.Stage {
		return PipelineRun{}, fmt.Errorf("render pipeline run: stage list must end with %q", input.Stage)
	}

	registry, err := hostname(cfg.DockerRegistryEndpoint)
	if err != nil {
		return PipelineRun{}, fmt.Errorf("render pipeline run: %w", err)
	}

	cases, err := json.Marshal(BuildTestCases(input.Stages))
	if err != nil {
		return PipelineRun{}, fmt.Errorf("render pipeline run: encode test cases: %w", err)
	}

	git := strings.TrimRight(cfg.GitServerEndpoint, "/")
	webhook := strings.TrimRight(cfg.WebhookEndpoint, "/")
	testerPrefix := strings.TrimRight(cfg.TesterImagePrefix, "/")
	org := cfg.Namespace

	params := []Param{
		{Name: ParamRepoURL, Value: fmt.Sprintf("%s/%s/%s.git", git, org, input.Repo)},
		{Name: ParamCourseImage, Value: fmt.Sprintf("%s/%s/%s:latest", registry, org, input.Repo)},
		{Name: ParamTesterImage, Value: fmt.Sprintf("%s/%s-tester", testerPrefix, input.Course)},
		{Name: ParamTestImage, Value: fmt.Sprintf("%s/%s/%s-test:latest", registry, org, input.Repo)},
		{Name: ParamCommand, Value: fmt.Sprintf("/app/%s-tester", input.Course)},
		{Name: ParamTestCasesJSON, Value: string(cases)},
		{Name: ParamWebhookURL, Value: webhook + "/v1/webhooks/tekton"},
		{Name: ParamRepo, Value: input.Repo},
		{Name: ParamCourse, Value: input.Course},
		{Name: ParamStage, Value: input.Stage},
		{Name: ParamSecret, Value: input.Signature},
	}

	return PipelineRun{
		APIVersion: APIVersion,
		Kind:       Kind,
		Metadata: ObjectMeta{
			Name:      input.Name,
			Namespace: cfg.Namespace,
			Labels: map[string]string{
				LabelRepo:   input.Repo,
				LabelCourse: input.Course,
				LabelStage:  input.Stage,
			},
		},
		Spec: PipelineRunSpec{
			PipelineRef: PipelineRef{Name: cfg.PipelineName},
			PodTemplate: PodTemplate{SecurityContext: SecurityContext{FSGroup: podFSGroup}},
			Params:      params,
			Workspaces: []WorkspaceBinding{
				{
					Name: workspaceShared,
					VolumeClaimTemplate: &VolumeClaimTemplate{Spec: VolumeClaimSpec{
						AccessModes: []string{"ReadWriteOnce"},
						Resources:   VolumeResources{Requests: map[string]string{"storage": workspaceStorage}},
					}},
				},
				{Name: workspaceCredentials, Secret: &SecretVolume{SecretName: workspaceCredentials}},
			},
		},
	}, nil
}

func hostname(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("docker registry endpoint must not be empty")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse docker registry endpoint: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("docker registry endpoint %q has no host", endpoint)
	}
	return parsed.Host, nil
}
