package formance

import (
	"context"
	"fmt"
	"strconv"

	"vpn-usage-engine/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// The metered account of a panel goes negative by everything it served;
// each account's sub-address accumulates what it consumed there.
const numscriptUsageDelta = `vars {
  asset $asset
  number $amount
  account $panel_name
  account $account_id
  string $snapshot_id
  string $day
  string $panel_type
  string $reset
}

send [$asset $amount] (
  source = @panels:$panel_name:metered allowing unbounded overdraft
  destination = @accounts:$account_id:$panel_name
)

set_tx_meta("event_type", "usage_delta")
set_tx_meta("snapshot_id", $snapshot_id)
set_tx_meta("day", $day)
set_tx_meta("panel_type", $panel_type)
set_tx_meta("reset", $reset)
`

// MirrorDelta posts one reconciled delta. The snapshot id is the
// transaction reference, so posting the same delta twice is a no-op.
func (s *Service) MirrorDelta(ctx context.Context, delta models.UsageDelta) error {
	if delta.DeltaBytes <= 0 {
		return nil
	}

	postTx := shared.V2PostTransaction{
		Reference: strPtr(deltaReference(delta.SnapshotId)),
		Script: &shared.V2PostTransactionScript{
			Plain: numscriptUsageDelta,
			Vars: map[string]string{
				"asset":       byteAsset,
				"amount":      strconv.FormatInt(delta.DeltaBytes, 10),
				"panel_name":  addressSegment(delta.PanelName),
				"account_id":  addressSegment(delta.AccountId),
				"snapshot_id": delta.SnapshotId,
				"day":         delta.Day,
				"panel_type":  string(delta.PanelType),
				"reset":       strconv.FormatBool(delta.Reset),
			},
		},
	}
	if !delta.TakenAt.IsZero() {
		postTx.Timestamp = &delta.TakenAt
	}
	if cc := models.GetCycleContext(ctx); cc != nil {
		postTx.Metadata = map[string]string{"cycle_id": cc.CycleId, "trigger": cc.Trigger}
	}

	_, err := s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			return nil // idempotent
		}
		return fmt.Errorf("error mirroring usage delta %s: %w", delta.SnapshotId, err)
	}

	zap.L().Debug("Usage delta mirrored in Formance",
		zap.String("account_id", delta.AccountId),
		zap.String("panel", delta.PanelName),
		zap.Int64("delta_bytes", delta.DeltaBytes),
		zap.String("snapshot_id", delta.SnapshotId))
	return nil
}

// RevertDelta undoes the mirrored posting of a delta that a repair retracted.
// A delta that was never mirrored or is already reverted is not an error.
func (s *Service) RevertDelta(ctx context.Context, snapshotId string) error {
	reference := deltaReference(snapshotId)

	pageSize := int64(1)
	resp, err := s.client.Ledger.V2.ListTransactions(ctx, operations.V2ListTransactionsRequest{
		Ledger:   s.ledger,
		PageSize: &pageSize,
		RequestBody: map[string]any{
			"$match": map[string]any{
				"reference": reference,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to find transaction %s: %w", reference, err)
	}
	if len(resp.V2TransactionsCursorResponse.Cursor.Data) == 0 {
		zap.L().Debug("No mirrored transaction to revert", zap.String("reference", reference))
		return nil
	}

	tx := resp.V2TransactionsCursorResponse.Cursor.Data[0]
	if tx.Reverted {
		return nil
	}

	_, err = s.client.Ledger.V2.RevertTransaction(ctx, operations.V2RevertTransactionRequest{
		Ledger:          s.ledger,
		ID:              tx.ID,
		AtEffectiveDate: ptrBool(true),
	})
	if err != nil {
		if isConflictError(err) || isAlreadyRevertedError(err) || isNotFoundError(err) {
			return nil
		}
		return fmt.Errorf("failed to revert transaction %s: %w", reference, err)
	}

	zap.L().Info("Mirrored usage delta reverted",
		zap.String("reference", reference),
		zap.String("tx_id", tx.ID.String()))
	return nil
}
