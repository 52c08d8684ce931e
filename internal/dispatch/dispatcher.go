package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/taskflow/taskflow/internal/artifact"
	"github.com/taskflow/taskflow/internal/config"
	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/memory"
	"github.com/taskflow/taskflow/internal/scheduler"
	"github.com/taskflow/taskflow/internal/types"
)

var tracer = otel.Tracer("taskflow/dispatch")

// Dispatcher is the Agent Registry & Dispatcher of spec §4.4. It
// satisfies scheduler.Executor: for one READY task it composes a
// request from Memory Engine context and a role template, invokes the
// configured executor backend behind a circuit breaker, validates the
// result shape, and persists any produced artifacts.
type Dispatcher struct {
	registry *Registry
	mem      *memory.Engine
	writer   *artifact.Writer
	llm      llmClient
	breaker  *gobreaker.CircuitBreaker
}

// NewDispatcher wires the configured LLM provider behind a circuit
// breaker, grounded on internal/memory/circuit.go's guardedBackend
// (same sony/gobreaker settings shape, same "open breaker surfaces as a
// typed error" behavior).
func NewDispatcher(llmCfg config.LLMProviderConfig, registry *Registry, mem *memory.Engine, writer *artifact.Writer) (*Dispatcher, error) {
	client, err := NewLLMClient(llmCfg)
	if err != nil {
		return nil, err
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dispatch-executor",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	})
	return &Dispatcher{registry: registry, mem: mem, writer: writer, llm: client, breaker: breaker}, nil
}

var _ scheduler.Executor = (*Dispatcher)(nil)

// executorResponse is the fixed JSON shape every role template asks the
// executor backend to return (spec §4.4).
type executorResponse struct {
	Artifacts []executorArtifact `json:"artifacts"`
	QAVerdict string             `json:"qa_verdict"`
}

type executorArtifact struct {
	RelativePath string `json:"relative_path"`
	Content      string `json:"content"`
}

// Execute implements scheduler.Executor.
func (d *Dispatcher) Execute(ctx context.Context, t *types.Task) (scheduler.ExecResult, error) {
	ctx, span := tracer.Start(ctx, "dispatch.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", t.ID),
		attribute.String("tool", string(t.Owner)),
	)

	def, err := d.registry.Lookup(t.Owner)
	if err != nil {
		return scheduler.ExecResult{}, err
	}

	contextText, err := composeContext(ctx, d.mem, t)
	if err != nil {
		return scheduler.ExecResult{}, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeDependency, "compose memory context")
	}

	prompt, err := renderPrompt(def.Template, promptData{
		Role:    string(t.Owner),
		TaskID:  t.ID,
		Title:   t.Title,
		Context: contextText,
	})
	if err != nil {
		return scheduler.ExecResult{}, err
	}

	argHash := sha256.Sum256([]byte(prompt))
	span.SetAttributes(attribute.String("arguments_hash", hex.EncodeToString(argHash[:])))

	start := time.Now()
	raw, err := d.invoke(ctx, prompt)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		span.SetAttributes(attribute.String("outcome", "error"))
		return scheduler.ExecResult{}, err
	}
	span.SetAttributes(attribute.String("outcome", "ok"))

	resp, parseErr := parseExecutorResponse(raw)
	if parseErr != nil {
		// Malformed output fails closed to NEEDS_REWORK without invoking
		// QA, by reusing the scheduler's BLOCKER-verdict routing
		// (scheduler.go's runTask short-circuits QAVerdictBlocker
		// straight to NEEDS_REWORK).
		return scheduler.ExecResult{QAVerdict: types.QAVerdictBlocker}, nil
	}

	if !def.CanInvoke(CapabilityRepoCommit) && !def.CanInvoke(CapabilityDocPublish) && len(resp.Artifacts) > 0 {
		return scheduler.ExecResult{QAVerdict: types.QAVerdictBlocker}, nil
	}

	refs, writeErr := d.persistArtifacts(t.ID, resp.Artifacts)
	if writeErr != nil {
		if isShapeError(writeErr) {
			return scheduler.ExecResult{QAVerdict: types.QAVerdictBlocker}, nil
		}
		return scheduler.ExecResult{}, writeErr
	}

	return scheduler.ExecResult{Artifacts: refs, QAVerdict: normalizeVerdict(resp.QAVerdict)}, nil
}

// isShapeError reports whether err reflects a bad executor response
// (an unsafe artifact path or a lease conflict) rather than a genuine
// storage failure. The Artifact Writer tags both as ErrorTypeValidation
// but marks the latter with an "IO_ERROR" detail; only the former is a
// shape problem that should fail closed to NEEDS_REWORK instead of
// being retried as an ExecutorError.
func isShapeError(err error) bool {
	var appErr *taskflowerrors.AppError
	if ok := taskflowerrors.IsType(err, taskflowerrors.ErrorTypeValidation); !ok {
		return false
	}
	if e, ok := err.(*taskflowerrors.AppError); ok {
		appErr = e
	}
	return appErr == nil || appErr.Details != "IO_ERROR"
}

func normalizeVerdict(raw string) types.QAVerdict {
	switch types.QAVerdict(raw) {
	case types.QAVerdictPass, types.QAVerdictMinor, types.QAVerdictMajor, types.QAVerdictBlocker:
		return types.QAVerdict(raw)
	default:
		return types.QAVerdictBlocker
	}
}

// invoke calls the configured executor backend through the circuit
// breaker, so a string of backend failures fails fast rather than
// burning every task's retry budget on a backend that is already down.
func (d *Dispatcher) invoke(ctx context.Context, prompt string) (string, error) {
	out, err := d.breaker.Execute(func() (any, error) {
		return d.llm.Complete(ctx, systemPreamble, prompt)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", taskflowerrors.NewBackendUnavailableError(err, "dispatch_executor")
		}
		return "", err
	}
	return out.(string), nil
}

const systemPreamble = "You are an autonomous taskflow worker. Respond with exactly one JSON object and no surrounding prose."

func parseExecutorResponse(raw string) (executorResponse, error) {
	trimmed := strings.TrimSpace(raw)
	var resp executorResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		return executorResponse{}, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeValidation, "executor response is not valid JSON")
	}
	if resp.QAVerdict == "" {
		return executorResponse{}, taskflowerrors.NewValidationError("executor response missing qa_verdict")
	}
	seen := make(map[string]bool, len(resp.Artifacts))
	for _, a := range resp.Artifacts {
		if a.RelativePath == "" {
			return executorResponse{}, taskflowerrors.NewValidationError("executor response contains an artifact with no relative_path")
		}
		if seen[a.RelativePath] {
			return executorResponse{}, taskflowerrors.NewValidationError("executor response lists the same artifact path twice: " + a.RelativePath)
		}
		seen[a.RelativePath] = true
	}
	return resp, nil
}

// persistArtifacts writes every artifact the executor produced under a
// per-task write lease, so two concurrent attempts for the same task
// (a retry racing a still-finishing previous attempt) can't interleave
// writes.
func (d *Dispatcher) persistArtifacts(taskID string, artifacts []executorArtifact) ([]types.ArtifactRef, error) {
	if len(artifacts) == 0 {
		return nil, nil
	}
	release, err := d.writer.Lease(taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	refs := make([]types.ArtifactRef, 0, len(artifacts))
	for _, a := range artifacts {
		rec, err := d.writer.Write(taskID, a.RelativePath, []byte(a.Content))
		if err != nil {
			return nil, err
		}
		refs = append(refs, types.ArtifactRef{RelativePath: rec.RelativePath, SHA256: rec.SHA256})
	}
	return refs, nil
}
