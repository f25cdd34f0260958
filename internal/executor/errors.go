package executor

import "errors"

var (
	// ErrListingUnavailable rejects a buy of a missing, inactive, or own
	// listing.
	ErrListingUnavailable = errors.New("executor: listing unavailable")

	// ErrMaxSpendExceeded rejects a purchase priced above one third of the
	// buyer's effective balance.
	ErrMaxSpendExceeded = errors.New("executor: price exceeds max spend")

	// ErrNoRecipient rejects a public message without a recipient. There is
	// no broadcast capability.
	ErrNoRecipient = errors.New("executor: message requires a recipient")

	// ErrNotBuyer rejects a release issued by anyone but the escrow's buyer.
	ErrNotBuyer = errors.New("executor: agent is not the escrow buyer")

	// ErrSigningFailed is returned once custody signing attempts are
	// exhausted. The settlement endpoint must not be called after it: a
	// settle without our transaction hash could double-release.
	ErrSigningFailed = errors.New("executor: release signing failed")
)
