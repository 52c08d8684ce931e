package dispatch

import (
	"context"
	"testing"

	"github.com/sony/gobreaker"

	"github.com/taskflow/taskflow/internal/artifact"
	"github.com/taskflow/taskflow/internal/types"
)

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.response, f.err
}

func newTestDispatcher(t *testing.T, response string) *Dispatcher {
	t.Helper()
	return &Dispatcher{
		registry: NewRegistry(),
		mem:      nil,
		writer:   artifact.NewWriter(t.TempDir()),
		llm:      &fakeLLM{response: response},
		breaker:  gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "test"}),
	}
}

func TestExecuteHappyPath(t *testing.T) {
	d := newTestDispatcher(t, `{"artifacts":[{"relative_path":"out.txt","content":"done"}],"qa_verdict":"PASS"}`)
	task := &types.Task{ID: "T1", Title: "ship the thing", Owner: types.RoleBackend}

	result, err := d.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.QAVerdict != types.QAVerdictPass {
		t.Errorf("QAVerdict = %v, want PASS", result.QAVerdict)
	}
	if len(result.Artifacts) != 1 || result.Artifacts[0].RelativePath != "out.txt" {
		t.Errorf("Artifacts = %+v, want one out.txt entry", result.Artifacts)
	}
}

func TestExecuteMalformedResponseFailsClosedToNeedsRework(t *testing.T) {
	d := newTestDispatcher(t, `not json at all`)
	task := &types.Task{ID: "T1", Title: "ship the thing", Owner: types.RoleBackend}

	result, err := d.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute should fail closed, not error: %v", err)
	}
	if result.QAVerdict != types.QAVerdictBlocker {
		t.Errorf("QAVerdict = %v, want BLOCKER", result.QAVerdict)
	}
	if len(result.Artifacts) != 0 {
		t.Error("a malformed response should not persist any artifacts")
	}
}

func TestExecuteUnknownVerdictNormalizesToBlocker(t *testing.T) {
	d := newTestDispatcher(t, `{"artifacts":[],"qa_verdict":"LOOKS_GOOD_TO_ME"}`)
	task := &types.Task{ID: "T1", Title: "ship the thing", Owner: types.RoleBackend}

	result, err := d.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.QAVerdict != types.QAVerdictBlocker {
		t.Errorf("QAVerdict = %v, want BLOCKER for an unrecognized verdict", result.QAVerdict)
	}
}

func TestExecuteCapabilityGateBlocksArtifactlessRole(t *testing.T) {
	d := newTestDispatcher(t, `{"artifacts":[{"relative_path":"out.txt","content":"done"}],"qa_verdict":"PASS"}`)
	// UX only carries design_review; it may not write repo/doc artifacts.
	task := &types.Task{ID: "T1", Title: "review the mockups", Owner: types.RoleUX}

	result, err := d.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.QAVerdict != types.QAVerdictBlocker {
		t.Errorf("QAVerdict = %v, want BLOCKER when an artifactless role's response carries artifacts", result.QAVerdict)
	}
}

func TestExecuteUnknownRoleErrors(t *testing.T) {
	d := newTestDispatcher(t, `{"artifacts":[],"qa_verdict":"PASS"}`)
	task := &types.Task{ID: "T1", Title: "x", Owner: types.Role("astrologer")}

	if _, err := d.Execute(context.Background(), task); err == nil {
		t.Error("Execute for an unregistered role should error")
	}
}

func TestExecutePathTraversalFailsClosed(t *testing.T) {
	d := newTestDispatcher(t, `{"artifacts":[{"relative_path":"../escape.txt","content":"x"}],"qa_verdict":"PASS"}`)
	task := &types.Task{ID: "T1", Title: "ship the thing", Owner: types.RoleBackend}

	result, err := d.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute should fail closed on an unsafe artifact path, not error: %v", err)
	}
	if result.QAVerdict != types.QAVerdictBlocker {
		t.Errorf("QAVerdict = %v, want BLOCKER", result.QAVerdict)
	}
}
