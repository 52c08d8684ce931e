// Package dispatch implements the Agent Registry & Dispatcher (spec
// §4.4): for a READY task it composes an execution request from Memory
// Engine context plus a role template, invokes the role's executor
// backend, validates the result shape, and persists any artifacts.
package dispatch

import (
	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/types"
)

// RoleDefinition is one entry of the role registry: which tool
// capabilities a role may consume and the prompt template used to
// compose its request. Templates are data, not code (spec §4.4).
type RoleDefinition struct {
	Capabilities []string
	Template     string
}

// capability names a role may declare; a tool call is refused unless
// the invoking role's RoleDefinition lists it.
const (
	CapabilityDatabaseQuery   = "database_query"
	CapabilityRepoCommit      = "repo_commit"
	CapabilityTestRun         = "test_run"
	CapabilityMemorySecretW   = "memory_secret_write"
	CapabilityDeployInfra     = "deploy_infra"
	CapabilityDesignReview    = "design_review"
	CapabilityDocPublish      = "doc_publish"
	CapabilityProductDecision = "product_decision"
)

const defaultTemplate = `You are the {{.Role}} for task {{.TaskID}}: {{.Title}}.

Relevant context:
{{.Context}}

Produce a JSON object with fields "artifacts" (a list of
{relative_path, content} objects) and "qa_verdict" (one of PASS, MINOR,
MAJOR, BLOCKER). Do not include any other top-level fields.`

// Registry is the spec §4.4 role -> executor-capability mapping,
// resolved once at init from configuration (here, a fixed built-in
// table; an operator-supplied override would replace NewRegistry's
// literal map with one parsed from the critical-path file).
type Registry struct {
	roles map[types.Role]RoleDefinition
}

// NewRegistry builds the fixed registry over the role set spec §4.4
// enumerates: coordinator, technical_lead, backend, frontend, ux,
// product, qa, documentation.
func NewRegistry() *Registry {
	return &Registry{roles: map[types.Role]RoleDefinition{
		types.RoleCoordinator:   {Capabilities: []string{CapabilityProductDecision}, Template: defaultTemplate},
		types.RoleTechnicalLead: {Capabilities: []string{CapabilityRepoCommit, CapabilityDeployInfra}, Template: defaultTemplate},
		types.RoleBackend:       {Capabilities: []string{CapabilityDatabaseQuery, CapabilityRepoCommit, CapabilityTestRun}, Template: defaultTemplate},
		types.RoleFrontend:      {Capabilities: []string{CapabilityRepoCommit, CapabilityTestRun}, Template: defaultTemplate},
		types.RoleUX:            {Capabilities: []string{CapabilityDesignReview}, Template: defaultTemplate},
		types.RoleProduct:       {Capabilities: []string{CapabilityProductDecision}, Template: defaultTemplate},
		types.RoleQA:            {Capabilities: []string{CapabilityTestRun}, Template: defaultTemplate},
		types.RoleDocumentation: {Capabilities: []string{CapabilityDocPublish}, Template: defaultTemplate},
	}}
}

// Lookup returns the role's definition, or a ValidationError if the
// role was never registered (spec §4.4 implies a closed role set;
// an unknown owner is a configuration error, not a retryable one).
func (r *Registry) Lookup(role types.Role) (RoleDefinition, error) {
	def, ok := r.roles[role]
	if !ok {
		return RoleDefinition{}, taskflowerrors.NewValidationError("no role definition for " + string(role))
	}
	return def, nil
}

// CanInvoke reports whether def's role may use tool.
func (def RoleDefinition) CanInvoke(tool string) bool {
	for _, c := range def.Capabilities {
		if c == tool {
			return true
		}
	}
	return false
}
