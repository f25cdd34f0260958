package executor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/agora/internal/action"
	"github.com/basket/agora/internal/bus"
	"github.com/basket/agora/internal/heartbeat"
	otelPkg "github.com/basket/agora/internal/otel"
	"github.com/basket/agora/internal/shared"
	"github.com/basket/agora/internal/store"
)

// release is the financially sensitive path. Order matters:
//
//  1. State check first: only the buyer, only from FUNDED or DELIVERED.
//     A release against RELEASED must be rejected here, never reach a
//     second payout.
//  2. Hosted wallets pre-sign the on-chain release through custody before
//     the settlement endpoint is called; settle then receives the custody
//     hash so rails records it instead of paying out a second time. If
//     signing exhausts its attempts the settlement endpoint is NOT called;
//     the failure counter is bumped once and the cycle gets a hard error.
//  3. External wallets forward straight to settlement with no hash, and
//     rails signs internally.
//  4. Ledger escrows never funded through rails settle on the books alone.
func (x *Executor) release(ctx context.Context, ac *heartbeat.AgentContext, a action.Release) heartbeat.Outcome {
	esc, err := x.store.GetEscrow(ctx, a.EscrowID)
	if err != nil {
		return fail(fmt.Errorf("release escrow %s: %w", a.EscrowID, err))
	}
	if esc.BuyerID != ac.Agent.ID {
		return fail(fmt.Errorf("release escrow %s: %w", esc.ID, ErrNotBuyer))
	}
	if esc.Status != store.EscrowFunded && esc.Status != store.EscrowDelivered {
		return fail(fmt.Errorf("release escrow %s in state %s: %w", esc.ID, esc.Status, store.ErrInvalidTransition))
	}

	var releaseTx string
	switch {
	case strings.HasPrefix(esc.EscrowRef, "ledger:"):
		releaseTx = "ledger:settled"

	case ac.Agent.Hosted():
		txHash, err := x.signRelease(ctx, ac.Agent.WalletRef, esc)
		if err != nil {
			if errors.Is(err, ErrSigningFailed) {
				if n, berr := x.store.BumpReleaseFailures(ctx, esc.ID); berr != nil {
					x.logger.Error("bump release failures", "escrow_id", esc.ID, "error", berr)
				} else {
					x.logger.Warn("release signing exhausted", "escrow_id", esc.ID, "failures", n)
				}
				if x.eventBus != nil {
					x.eventBus.Publish(bus.TopicEscrowReleaseFailed, bus.EscrowEvent{
						EscrowID: esc.ID,
						BuyerID:  esc.BuyerID,
						SellerID: esc.SellerID,
						Amount:   esc.Amount,
						Currency: esc.Currency,
						Status:   string(esc.Status),
						Detail:   "signing failed",
					})
				}
			}
			return fail(err)
		}
		if _, err := x.rails.Settle(ctx, esc.EscrowRef, txHash); err != nil {
			return fail(fmt.Errorf("settle escrow %s: %w", esc.ID, err))
		}
		releaseTx = txHash

	default:
		txHash, err := x.rails.Settle(ctx, esc.EscrowRef, "")
		if err != nil {
			return fail(fmt.Errorf("settle escrow %s: %w", esc.ID, err))
		}
		releaseTx = txHash
	}

	released, err := x.store.ReleaseEscrow(ctx, esc.ID, releaseTx)
	if err != nil {
		return fail(fmt.Errorf("record release of escrow %s: %w", esc.ID, err))
	}
	if x.metrics != nil {
		x.metrics.EscrowVolume.Add(ctx, released.Amount,
			metric.WithAttributes(otelPkg.AttrEscrowID.String(released.ID)))
	}
	return ok("released %s to %s (escrow %s)",
		shared.FormatAmount(released.Amount), released.SellerName, released.ID)
}

// signRelease asks custody to sign and broadcast the release, retrying with
// the base delay doubling after each failed attempt. Context cancellation
// stops the loop without counting as exhaustion.
func (x *Executor) signRelease(ctx context.Context, walletRef string, esc store.Escrow) (string, error) {
	calldata := releaseCalldata(esc.EscrowRef, esc.ContractVersion)
	delay := x.cfg.SigningBaseDelay
	var lastErr error

	for attempt := 1; attempt <= x.cfg.SigningAttempts; attempt++ {
		txHash, err := x.signer.SignAndBroadcast(ctx, walletRef, x.cfg.EscrowContract, calldata)
		if err == nil {
			return txHash, nil
		}
		lastErr = err
		if x.metrics != nil {
			x.metrics.SigningRetries.Add(ctx, 1)
		}
		x.logger.Warn("signing attempt failed",
			"escrow_id", esc.ID, "attempt", attempt, "of", x.cfg.SigningAttempts, "error", err)
		if attempt == x.cfg.SigningAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("sign release for escrow %s: %w", esc.ID, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", fmt.Errorf("sign release for escrow %s after %d attempts: %w (last error: %v)",
		esc.ID, x.cfg.SigningAttempts, ErrSigningFailed, lastErr)
}

// releaseCalldata builds the opaque payload custody signs: the escrow ref
// bound to the contract version it was opened under.
func releaseCalldata(escrowRef, contractVersion string) string {
	return "0x" + hex.EncodeToString([]byte("release|"+contractVersion+"|"+escrowRef))
}
