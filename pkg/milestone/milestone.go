package milestone

import (
	"context"
	"fmt"
	"time"

	"taskledger/pkg/eventgraph"
)

// ProofStatus tracks review of a submitted proof.
type ProofStatus string

const (
	ProofPending     ProofStatus = "PENDING"
	ProofUnderReview ProofStatus = "UNDER_REVIEW"
	ProofVerified    ProofStatus = "VERIFIED"
	ProofRejected    ProofStatus = "REJECTED"
)

// Project is one funding ledger instance. Its administrator and organizer
// never change after it is opened.
type Project struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Administrator string    `json:"administrator"`
	Organizer     string    `json:"organizer"`
	CreatedAt     time.Time `json:"created_at"`
}

// Milestone is one funding release step of a project.
type Milestone struct {
	ProjectID         string     `json:"project_id"`
	Index             int        `json:"index"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	RequiredApprovals int        `json:"required_approvals"`
	Approvals         int        `json:"approvals"`
	Rejections        int        `json:"rejections"`
	Completed         bool       `json:"completed"`
	Approved          bool       `json:"approved"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Version           int64      `json:"version"`
}

// Key identifies the milestone across projects.
func (m *Milestone) Key() string { return Key(m.ProjectID, m.Index) }

// Key formats the record id of milestone index in project.
func Key(project string, index int) string { return fmt.Sprintf("%s/%d", project, index) }

// Proof is the evidence submitted for a milestone. Only Status changes
// after submission.
type Proof struct {
	ProjectID      string      `json:"project_id"`
	MilestoneIndex int         `json:"milestone_index"`
	BeforeHash     string      `json:"before_hash"`
	AfterHash      string      `json:"after_hash"`
	Location       string      `json:"location"`
	Submitter      string      `json:"submitter"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	Status         ProofStatus `json:"status"`
}

// Vote is one verifier's decision on a milestone's proof.
type Vote struct {
	ProjectID      string    `json:"project_id"`
	MilestoneIndex int       `json:"milestone_index"`
	Voter          string    `json:"voter"`
	Approve        bool      `json:"approve"`
	CastAt         time.Time `json:"cast_at"`
}

// Change is one atomic milestone mutation plus the event describing it.
type Change struct {
	Milestone    *Milestone
	NewMilestone bool // insert; otherwise update the row at Version-1
	Proof        *Proof
	NewProof     bool // insert; otherwise update status only
	Vote         *Vote
	Event        eventgraph.Draft
}

// Store is the contract for milestone persistence.
type Store interface {
	CreateProject(ctx context.Context, p Project, d eventgraph.Draft) (*eventgraph.Event, error)
	Project(ctx context.Context, id string) (*Project, error)
	Projects(ctx context.Context) ([]Project, error)

	Milestone(ctx context.Context, project string, index int) (*Milestone, error)
	Milestones(ctx context.Context, project string) ([]Milestone, error)
	// NextIndex returns the index the next appended milestone receives.
	NextIndex(ctx context.Context, project string) (int, error)
	Proof(ctx context.Context, project string, index int) (*Proof, error)
	HasVoted(ctx context.Context, project string, index int, voter string) (bool, error)
	Votes(ctx context.Context, project string, index int) ([]Vote, error)

	// Commit applies c and appends its event in one atomic unit.
	Commit(ctx context.Context, c Change) (*eventgraph.Event, error)
}
