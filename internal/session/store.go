package session

import "context"

// Store persists sessions. Updates are atomic per id: concurrent Update
// calls on the same session are serialised and every write is durable before
// it becomes observable.
type Store interface {
	// Create allocates an id and persists the immutable seed.
	Create(ctx context.Context, seed Seed) (*Session, error)
	// Load returns the session or a NOT_FOUND error.
	Load(ctx context.Context, id string) (*Session, error)
	// Update applies mutate to the current session under the per-id lock and
	// persists the result with a bumped version.
	Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error)
	// List returns sessions newest-first plus the total count before paging.
	List(ctx context.Context, filter Filter) ([]*Session, int, error)
	// Delete removes the session and everything persisted under it.
	Delete(ctx context.Context, id string) error
	// SaveReport persists the final report markdown next to the state.
	SaveReport(ctx context.Context, id, markdown string) error
	// LoadReport returns the persisted report markdown.
	LoadReport(ctx context.Context, id string) (string, error)
}
