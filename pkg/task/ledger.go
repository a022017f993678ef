// Package task records the audit trail of a single marketplace task. One
// trusted writer drives every record through a fixed sequence of states.
package task

import (
	"context"
	"slices"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
	"taskledger/pkg/role"
)

// Task operations.
const (
	OpCreate               = "task.create"
	OpAccept               = "task.accept"
	OpSubmitWork           = "task.submit_work"
	OpRecordAIVerification = "task.record_ai_verification"
	OpReleasePayment       = "task.release_payment"
	OpDispute              = "task.dispute"
)

// Requirements maps each task operation to the capability it needs.
var Requirements = map[string]role.Capability{
	OpCreate:               role.Backend,
	OpAccept:               role.Backend,
	OpSubmitWork:           role.Backend,
	OpRecordAIVerification: role.Backend,
	OpReleasePayment:       role.Backend,
	OpDispute:              role.Backend,
}

type transition struct {
	from  []Status
	to    Status
	event string
}

var transitions = map[string]transition{
	OpAccept:               {from: []Status{Created}, to: Accepted, event: "task.accepted"},
	OpSubmitWork:           {from: []Status{Accepted}, to: WorkSubmitted, event: "task.work_submitted"},
	OpRecordAIVerification: {from: []Status{WorkSubmitted}, to: AIVerified, event: "task.ai_verified"},
	OpReleasePayment:       {from: []Status{AIVerified}, to: PaymentReleased, event: "task.payment_released"},
	OpDispute:              {from: []Status{AIVerified, PaymentReleased}, to: Disputed, event: "task.disputed"},
}

// Ledger is the task state machine.
type Ledger struct {
	auth      role.Authorizer
	store     Store
	locks     *ledger.KeyLock
	publisher eventgraph.Publisher
	observer  ledger.Observer
	clock     ledger.Clock
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher fans committed events out after each mutation.
func WithPublisher(p eventgraph.Publisher) Option { return func(l *Ledger) { l.publisher = p } }

// WithObserver reports operation outcomes.
func WithObserver(o ledger.Observer) Option { return func(l *Ledger) { l.observer = o } }

// WithClock overrides the timestamp source.
func WithClock(c ledger.Clock) Option { return func(l *Ledger) { l.clock = c } }

// NewLedger creates a Ledger. auth is usually role.Writer(backendID).
func NewLedger(auth role.Authorizer, store Store, opts ...Option) *Ledger {
	l := &Ledger{
		auth:      auth,
		store:     store,
		locks:     ledger.NewKeyLock(),
		publisher: eventgraph.NopPublisher{},
		observer:  ledger.NopObserver{},
		clock:     ledger.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Get returns the current record.
func (l *Ledger) Get(ctx context.Context, id ID) (*Task, error) {
	return l.store.Get(ctx, id)
}

// Create inserts a new task in CREATED. An existing id is never re-created.
func (l *Ledger) Create(ctx context.Context, caller string, id ID, client string, amount int64, paymentRef string) (t *Task, err error) {
	defer func() { l.observer.Observe(OpCreate, err) }()
	if err := role.Check(l.auth, Requirements, OpCreate, caller); err != nil {
		return nil, err
	}
	switch {
	case id.IsZero():
		return nil, ledger.InvalidArgument(OpCreate, "task id is required")
	case client == "":
		return nil, ledger.InvalidArgument(OpCreate, "client is required")
	case amount <= 0:
		return nil, ledger.InvalidArgument(OpCreate, "amount must be positive")
	}

	unlock := l.locks.Lock(id.String())
	defer unlock()

	now := l.clock()
	next := Task{
		ID:         id,
		Client:     client,
		Amount:     amount,
		Status:     Created,
		PaymentRef: paymentRef,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	e, err := l.store.Commit(ctx, Change{
		Task:   next,
		Create: true,
		Event: eventgraph.Draft{
			Type:     "task.created",
			Source:   caller,
			RecordID: id.String(),
			Content: map[string]any{
				"task_id":     id.String(),
				"client":      client,
				"amount":      amount,
				"payment_ref": paymentRef,
				"status":      string(Created),
				"created_at":  now,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	l.publisher.Publish(e)
	return &next, nil
}

// Accept assigns worker to a CREATED task.
func (l *Ledger) Accept(ctx context.Context, caller string, id ID, worker string) (*Task, error) {
	if worker == "" {
		return l.reject(OpAccept, caller, "worker is required")
	}
	return l.apply(ctx, OpAccept, caller, id, func(t *Task) map[string]any {
		t.Worker = worker
		return map[string]any{"worker": worker}
	})
}

// SubmitWork stores the before/after evidence hashes of an ACCEPTED task.
func (l *Ledger) SubmitWork(ctx context.Context, caller string, id ID, beforeHash, afterHash string) (*Task, error) {
	if beforeHash == "" || afterHash == "" {
		return l.reject(OpSubmitWork, caller, "before and after hashes are required")
	}
	return l.apply(ctx, OpSubmitWork, caller, id, func(t *Task) map[string]any {
		completed := t.UpdatedAt
		t.BeforeHash = beforeHash
		t.AfterHash = afterHash
		t.CompletedAt = &completed
		return map[string]any{"before_hash": beforeHash, "after_hash": afterHash, "completed_at": completed}
	})
}

// RecordAIVerification stores the AI confidence. approved is advisory: it is
// carried in the event only and does not branch the state machine.
func (l *Ledger) RecordAIVerification(ctx context.Context, caller string, id ID, confidence int, approved bool) (*Task, error) {
	if confidence < 0 || confidence > 100 {
		return l.reject(OpRecordAIVerification, caller, "confidence must be within 0..100")
	}
	return l.apply(ctx, OpRecordAIVerification, caller, id, func(t *Task) map[string]any {
		t.AIConfidence = confidence
		return map[string]any{"confidence": confidence, "approved": approved}
	})
}

// ReleasePayment records the payout transfer of an AI_VERIFIED task.
func (l *Ledger) ReleasePayment(ctx context.Context, caller string, id ID, transferRef string) (*Task, error) {
	if transferRef == "" {
		return l.reject(OpReleasePayment, caller, "transfer reference is required")
	}
	return l.apply(ctx, OpReleasePayment, caller, id, func(t *Task) map[string]any {
		t.TransferRef = transferRef
		return map[string]any{"transfer_ref": transferRef, "amount": t.Amount, "worker": t.Worker}
	})
}

// Dispute moves a verified or paid task to DISPUTED. No mutation follows.
func (l *Ledger) Dispute(ctx context.Context, caller string, id ID, reason string) (*Task, error) {
	return l.apply(ctx, OpDispute, caller, id, func(t *Task) map[string]any {
		t.DisputeReason = reason
		return map[string]any{"reason": reason}
	})
}

// reject fails an operation on argument validation, still honoring the
// authorization check first so callers cannot probe validation unauthenticated.
func (l *Ledger) reject(op, caller, msg string) (t *Task, err error) {
	defer func() { l.observer.Observe(op, err) }()
	if err := role.Check(l.auth, Requirements, op, caller); err != nil {
		return nil, err
	}
	return nil, ledger.InvalidArgument(op, msg)
}

// apply runs one status-setting operation as a single read-check-write unit.
func (l *Ledger) apply(ctx context.Context, op, caller string, id ID, mutate func(*Task) map[string]any) (t *Task, err error) {
	defer func() { l.observer.Observe(op, err) }()
	if err := role.Check(l.auth, Requirements, op, caller); err != nil {
		return nil, err
	}
	tr := transitions[op]

	unlock := l.locks.Lock(id.String())
	defer unlock()

	cur, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(tr.from, cur.Status) {
		return nil, ledger.InvalidTransition(op, id.String(), string(cur.Status), string(tr.to))
	}

	next := *cur
	next.Status = tr.to
	next.UpdatedAt = l.clock()
	next.Version = cur.Version + 1
	content := mutate(&next)
	content["task_id"] = id.String()
	content["from"] = string(cur.Status)
	content["status"] = string(tr.to)

	e, err := l.store.Commit(ctx, Change{
		Task: next,
		Event: eventgraph.Draft{
			Type:     tr.event,
			Source:   caller,
			RecordID: id.String(),
			Content:  content,
		},
	})
	if err != nil {
		return nil, err
	}
	l.publisher.Publish(e)
	return &next, nil
}
