package router

import (
	"context"
	"strings"
	"time"

	"github.com/c360studio/examgate/pipeline"
	"github.com/c360studio/examgate/scenario"
	"github.com/c360studio/examgate/upstream"
)

// DefaultRemoteConfidence is reported when the remote classifier omits a
// usable confidence.
const DefaultRemoteConfidence = 0.6

// ClassifierWorkflowID labels classifier runs for key lookup and errors.
const ClassifierWorkflowID = "subtype_classifier"

// Runner executes a workflow run.
type Runner interface {
	Run(ctx context.Context, workflowID string, req upstream.RunRequest, timeout time.Duration) (*upstream.RunResponse, error)
}

// RemoteClassifier classifies through a workflow on the remote executor.
type RemoteClassifier struct {
	runner     Runner
	workflowID string
	timeout    time.Duration
}

// NewRemoteClassifier creates a remote classifier. An empty workflowID uses
// ClassifierWorkflowID.
func NewRemoteClassifier(runner Runner, workflowID string, timeout time.Duration) *RemoteClassifier {
	if workflowID == "" {
		workflowID = ClassifierWorkflowID
	}
	return &RemoteClassifier{runner: runner, workflowID: workflowID, timeout: timeout}
}

type hintPayload struct {
	Keywords      []string `json:"keywords"`
	RequireImages bool     `json:"require_images"`
	PreferImages  bool     `json:"prefer_images"`
}

// Classify implements ExternalClassifier.
func (r *RemoteClassifier) Classify(ctx context.Context, traceID string, req *pipeline.Request, spec *scenario.Spec) (pipeline.Classification, error) {
	files := pipeline.RemoteFiles(req.Input.Images)

	var scenarioID any
	hints := map[string]hintPayload{}
	if spec != nil {
		scenarioID = spec.ScenarioID
		for st, p := range spec.SubTypeProfiles {
			hints[st] = hintPayload{
				Keywords:      trimmed(p.ClassifierHints.Keywords),
				RequireImages: p.ClassifierHints.RequireImages,
				PreferImages:  p.ClassifierHints.PreferImages,
			}
		}
	}

	resp, err := r.runner.Run(ctx, r.workflowID, upstream.RunRequest{
		Inputs: map[string]any{
			"input":            req.Input,
			"images":           files,
			"context":          req.Context,
			"scenario_id":      scenarioID,
			"classifier_hints": hints,
			"trace_id":         traceID,
		},
		ResponseMode: "blocking",
		User:         "classifier:" + traceID,
		Files:        files,
	}, r.timeout)
	if err != nil {
		return pipeline.Classification{}, err
	}

	return parseClassification(resp.Data.Outputs), nil
}

func parseClassification(outputs map[string]any) pipeline.Classification {
	subType := pipeline.SubTypeUnknown
	for _, key := range []string{"sub_type", "question_type"} {
		if s, ok := outputs[key].(string); ok && strings.TrimSpace(s) != "" {
			subType = strings.TrimSpace(s)
			break
		}
	}

	conf, ok := pipeline.ParseConfidence(outputs["confidence"])
	if !ok || conf == 0 {
		conf = DefaultRemoteConfidence
	}
	return pipeline.Classification{
		SubType:    subType,
		Confidence: pipeline.Clamp01(conf),
		Source:     pipeline.SourceRemoteClassifier,
	}
}
