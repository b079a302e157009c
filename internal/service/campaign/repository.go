package campaign

import (
	"context"

	"github.com/ignite/dispatch/internal/domain"
)

// Repository defines the data access contract for campaigns and their
// recipients. Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaigns matching the filter, ordered by created_at DESC.
	List(ctx context.Context, f ListFilter) ([]domain.Campaign, error)

	// Create inserts a new campaign.
	Create(ctx context.Context, c *domain.Campaign) error

	// Transition moves the status from one of the given states to the
	// target in a single compare-and-swap. Returns ErrInvalidTransition
	// when the campaign is not in any of the from states.
	Transition(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error

	// SetTotals records the materialized recipient count.
	SetTotals(ctx context.Context, id string, totalRecipients int) error

	// MarkStarted stamps started_at once; later calls keep the first value.
	MarkStarted(ctx context.Context, id string) error

	// MarkCompleted stamps completed_at.
	MarkCompleted(ctx context.Context, id string) error

	// ActiveSubscribers returns recipients eligible for dispatch, i.e.
	// everyone who has not unsubscribed.
	ActiveSubscribers(ctx context.Context) ([]*domain.Subscriber, error)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}
