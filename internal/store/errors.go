package store

import "errors"

var (
	// ErrAgentNotFound aborts a heartbeat cycle before anything executes.
	ErrAgentNotFound = errors.New("store: agent not found")

	ErrListingNotFound = errors.New("store: listing not found")
	ErrEscrowNotFound  = errors.New("store: escrow not found")

	// ErrInvalidTransition means the escrow was not in a state the requested
	// transition accepts. Stale decisions racing a concurrent writer surface
	// here; callers reject the action and let the cycle continue.
	ErrInvalidTransition = errors.New("store: invalid escrow transition")

	// ErrNotOwner rejects listing updates by anyone but the seller.
	ErrNotOwner = errors.New("store: agent does not own listing")

	// ErrNotSeller rejects delivery by anyone but the escrow's seller.
	ErrNotSeller = errors.New("store: agent is not the escrow seller")

	// ErrNoRecipient rejects a private message with no recipient.
	ErrNoRecipient = errors.New("store: private message requires a recipient")

	// ErrDuplicateAgent is returned when an agent name is already taken.
	ErrDuplicateAgent = errors.New("store: agent name already exists")
)
