// Package types holds the shared data model for taskflow: tasks, the
// state machine, context records, review items and artifacts (spec §3).
// It has no dependency on any other taskflow package so every component
// can import it without creating cycles.
package types

import "time"

// Priority is a task's scheduling class (spec §3).
type Priority string

const (
	PriorityHigh Priority = "HIGH"
	PriorityMed  Priority = "MED"
	PriorityLow  Priority = "LOW"
)

// priorityRank orders priority classes for the scheduler's queue
// comparator; higher rank is dispatched first.
var priorityRank = map[Priority]int{
	PriorityHigh: 2,
	PriorityMed:  1,
	PriorityLow:  0,
}

func (p Priority) Rank() int { return priorityRank[p] }

// RiskTier is the task's declared risk classification, the first term
// of the HITL risk score (spec §4.5).
type RiskTier string

const (
	RiskLow    RiskTier = "LOW"
	RiskMedium RiskTier = "MED"
	RiskHigh   RiskTier = "HIGH"
)

// Role is a worker role id from the fixed registry (spec §4.4).
type Role string

const (
	RoleCoordinator    Role = "coordinator"
	RoleTechnicalLead  Role = "technical_lead"
	RoleBackend        Role = "backend"
	RoleFrontend       Role = "frontend"
	RoleUX             Role = "ux"
	RoleProduct        Role = "product"
	RoleQA             Role = "qa"
	RoleDocumentation  Role = "documentation"
)

// State is a task's position in the spec §3 state machine.
type State string

const (
	StateDeclared    State = "DECLARED"
	StateReady       State = "READY"
	StateRunning     State = "RUNNING"
	StateQAPending   State = "QA_PENDING"
	StateHitlPending State = "HITL_PENDING"
	StateEscalated   State = "ESCALATED"
	StateNeedsRework State = "NEEDS_REWORK"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
	StateRejected    State = "REJECTED"
	StateCancelled   State = "CANCELLED"
)

// Terminal states per spec §3.
var terminalStates = map[State]bool{
	StateDone:      true,
	StateFailed:    true,
	StateCancelled: true,
}

func (s State) Terminal() bool { return terminalStates[s] }

// transitions enumerates the legal edges of the spec §3 state machine.
// Scheduler and HITL Engine both validate against this table so an
// illegal transition is a programming error, not a silent corruption.
var transitions = map[State]map[State]bool{
	StateDeclared:    {StateReady: true, StateCancelled: true},
	StateReady:       {StateRunning: true, StateCancelled: true},
	StateRunning:     {StateQAPending: true, StateFailed: true, StateCancelled: true},
	StateQAPending:   {StateHitlPending: true, StateDone: true, StateNeedsRework: true, StateCancelled: true},
	StateHitlPending: {StateDone: true, StateNeedsRework: true, StateEscalated: true, StateCancelled: true},
	StateEscalated:   {StateDone: true, StateRejected: true, StateCancelled: true},
	StateNeedsRework: {StateReady: true, StateCancelled: true},
	StateRejected:    {StateFailed: true},
	// FAILED is terminal for metrics/exit-code purposes (Terminal()
	// below) but the scheduler's retry policy (spec §4.3, §8 scenario 3)
	// moves a task with attempts remaining straight back to READY; only
	// a task whose retry cap is exhausted stays in FAILED for good.
	StateFailed: {StateReady: true},
}

// CanTransition reports whether the move from->to is legal. Cancellation
// is always legal from a non-terminal state; FAILED -> READY is the one
// exception to "no edges leave a terminal state" (see transitions above).
func CanTransition(from, to State) bool {
	if to == StateCancelled {
		return !from.Terminal()
	}
	if from.Terminal() && from != StateFailed {
		return false
	}
	return transitions[from][to]
}

// QAVerdict is the severity QA assigns an output, a term in the risk score.
type QAVerdict string

const (
	QAVerdictPass    QAVerdict = "PASS"
	QAVerdictMinor   QAVerdict = "MINOR"
	QAVerdictMajor   QAVerdict = "MAJOR"
	QAVerdictBlocker QAVerdict = "BLOCKER"
)

// Task is the immutable definition loaded from a task definition file
// (spec §6) plus its mutable execution record (spec §3).
type Task struct {
	// Definition (immutable once loaded).
	ID                 string            `yaml:"id" validate:"required"`
	Title              string            `yaml:"title" validate:"required"`
	Owner              Role              `yaml:"owner" validate:"required"`
	DependsOn          []string          `yaml:"depends_on"`
	Priority           Priority          `yaml:"priority" validate:"required,oneof=HIGH MED LOW"`
	ContextTopics      []string          `yaml:"context_topics"`
	EstimatedEffort    time.Duration     `yaml:"estimated_effort"`
	RiskTier           RiskTier          `yaml:"risk_tier"`
	ExpectedArtifacts  []string          `yaml:"expected_artifacts"`
	IndependentOnFail  bool              `yaml:"independent_on_failure"`

	// Execution record (mutable).
	State             State             `yaml:"state"`
	Attempts          int               `yaml:"-"`
	StartedAt         *time.Time        `yaml:"-"`
	FinishedAt        *time.Time        `yaml:"-"`
	LastError         string            `yaml:"-"`
	ProducedArtifacts []ArtifactRef     `yaml:"-"`
	QAVerdict         QAVerdict         `yaml:"-"`
	HitlVerdict       string            `yaml:"-"`
	AssignedWorker    string            `yaml:"-"`
	SubmittedAt       time.Time         `yaml:"-"`
}

// ArtifactRef is a lightweight pointer to a produced artifact, kept on
// the task record; the Artifact Writer owns the authoritative record.
type ArtifactRef struct {
	RelativePath string `yaml:"relative_path"`
	SHA256       string `yaml:"sha256"`
}

// Clone returns a deep-enough copy for read-through caches: callers get
// their own slice headers so appends by one reader never leak to another.
func (t *Task) Clone() *Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.ContextTopics = append([]string(nil), t.ContextTopics...)
	cp.ExpectedArtifacts = append([]string(nil), t.ExpectedArtifacts...)
	cp.ProducedArtifacts = append([]ArtifactRef(nil), t.ProducedArtifacts...)
	return &cp
}

// Sensitivity controls a Memory Engine record's encryption and caching
// (spec §4.1).
type Sensitivity string

const (
	SensitivityPublic   Sensitivity = "PUBLIC"
	SensitivityInternal Sensitivity = "INTERNAL"
	SensitivitySecret   Sensitivity = "SECRET"
)

// Tier is the Memory Engine's access-frequency storage tier (spec §3, §4.1).
type Tier string

const (
	TierHot  Tier = "HOT"
	TierWarm Tier = "WARM"
	TierCold Tier = "COLD"
)

// ContextRecord is a Memory Engine record (spec §3).
type ContextRecord struct {
	Domain           string
	Key              string
	EncryptedPayload []byte
	Nonce            []byte
	Sensitivity      Sensitivity
	PIIFlags         []string
	CreatedAt        time.Time
	LastAccess       time.Time
	AccessCount      int64
	Tier             Tier
}

// ReviewState is a Review Item's position in the HITL workflow (spec §3).
type ReviewState string

const (
	ReviewAwaitingQA    ReviewState = "AWAITING_QA"
	ReviewAwaitingHuman ReviewState = "AWAITING_HUMAN"
	ReviewInReview      ReviewState = "IN_REVIEW"
	ReviewEscalated     ReviewState = "ESCALATED"
	ReviewApproved      ReviewState = "APPROVED"
	ReviewRejected      ReviewState = "REJECTED"
)

var reviewTerminal = map[ReviewState]bool{
	ReviewApproved: true,
	ReviewRejected: true,
}

func (s ReviewState) Terminal() bool { return reviewTerminal[s] }

// ReviewItem is a queued human-review request attached to one task
// (spec §3).
type ReviewItem struct {
	ID           string
	TaskID       string
	RiskScore    int
	RiskFactors  map[string]int
	ReviewerRole string
	Deadline     time.Time
	CreatedAt    time.Time
	State        ReviewState
	Promotions   int
}

// Artifact is a persisted task output (spec §3).
type Artifact struct {
	TaskID       string
	RelativePath string
	Bytes        int64
	SHA256       string
	WrittenAt    time.Time
}

// ReviewDecision is an inbound decision record (spec §6).
type ReviewDecision struct {
	TaskID    string
	Reviewer  string
	Verdict   DecisionVerdict
	Notes     string
	Timestamp time.Time
}

type DecisionVerdict string

const (
	DecisionApprove DecisionVerdict = "approve"
	DecisionReject  DecisionVerdict = "reject"
	DecisionRework  DecisionVerdict = "rework"
)
