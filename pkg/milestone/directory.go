package milestone

import (
	"context"

	"github.com/algorand/go-deadlock"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/ledger"
	"taskledger/pkg/role"
)

// OpOpenProject opens a new project ledger.
const OpOpenProject = "project.open"

// Directory opens project ledgers and caches them by project id.
type Directory struct {
	settings
	mu      deadlock.Mutex
	store   Store
	roles   role.Store
	ledgers map[string]*Ledger
}

// NewDirectory creates a Directory over the milestone and role stores.
func NewDirectory(store Store, roles role.Store, opts ...Option) *Directory {
	return &Directory{
		settings: newSettings(opts),
		store:    store,
		roles:    roles,
		ledgers:  make(map[string]*Ledger),
	}
}

// Open creates project p. Its administrator and organizer are fixed from here on.
func (d *Directory) Open(ctx context.Context, caller string, p Project) (l *Ledger, err error) {
	defer func() { d.observer.Observe(OpOpenProject, err) }()
	if p.ID == "" || p.Administrator == "" || p.Organizer == "" {
		return nil, ledger.InvalidArgument(OpOpenProject, "project id, administrator and organizer are required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ledgers[p.ID]; ok {
		return nil, ledger.AlreadyExists(OpOpenProject, p.ID)
	}
	p.CreatedAt = d.clock()
	e, err := d.store.CreateProject(ctx, p, eventgraph.Draft{
		Type:     "project.opened",
		Source:   caller,
		RecordID: p.ID,
		Content: map[string]any{
			"project_id":    p.ID,
			"title":         p.Title,
			"administrator": p.Administrator,
			"organizer":     p.Organizer,
			"created_at":    p.CreatedAt,
		},
	})
	if err != nil {
		return nil, err
	}
	d.publisher.Publish(e)
	return d.load(ctx, p)
}

// Ledger returns the ledger of project id, loading it from the store on first use.
func (d *Directory) Ledger(ctx context.Context, id string) (*Ledger, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.ledgers[id]; ok {
		return l, nil
	}
	p, err := d.store.Project(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.load(ctx, *p)
}

// Projects lists every opened project.
func (d *Directory) Projects(ctx context.Context) ([]Project, error) {
	return d.store.Projects(ctx)
}

// load builds and caches the ledger of p. Callers hold d.mu.
func (d *Directory) load(ctx context.Context, p Project) (*Ledger, error) {
	reg, err := role.Open(ctx, d.roles, p.ID, p.Administrator, p.Organizer,
		role.WithPublisher(d.publisher), role.WithObserver(d.observer), role.WithClock(d.clock))
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		settings: d.settings,
		project:  p,
		roles:    reg,
		store:    d.store,
		locks:    ledger.NewKeyLock(),
	}
	d.ledgers[p.ID] = l
	return l, nil
}
