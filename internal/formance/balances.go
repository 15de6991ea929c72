package formance

import (
	"context"
	"fmt"
	"math/big"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// GetLifetimeUsage returns the bytes mirrored for an account on each of the
// given panels. Panels the ledger has never seen report zero.
func (s *Service) GetLifetimeUsage(ctx context.Context, accountId string, panelNames []string) (map[string]int64, error) {
	usage := make(map[string]int64, len(panelNames))
	for _, panelName := range panelNames {
		address := accountAddress(accountId, panelName)
		vols, err := s.getAccountVolumes(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", address, err)
		}
		bal := volumeBalance(vols, byteAsset)
		if bal == nil {
			usage[panelName] = 0
			continue
		}
		if !bal.IsInt64() {
			return nil, fmt.Errorf("balance of %s overflows int64: %s", address, bal.String())
		}
		usage[panelName] = bal.Int64()
	}
	return usage, nil
}

// getAccountVolumes fetches volumes for a single account via GetAccount.
func (s *Service) getAccountVolumes(ctx context.Context, address string) (map[string]shared.V2Volume, error) {
	resp, err := s.client.Ledger.V2.GetAccount(ctx, operations.V2GetAccountRequest{
		Ledger:  s.ledger,
		Address: address,
		Expand:  v3.Pointer("volumes"),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		zap.L().Warn("Failed to get account volumes", zap.String("address", address), zap.Error(err))
		return nil, err
	}
	return resp.V2AccountResponse.Data.Volumes, nil
}

// volumeBalance extracts the balance for a specific asset from volumes.
func volumeBalance(vols map[string]shared.V2Volume, fAsset string) *big.Int {
	vol, ok := vols[fAsset]
	if !ok {
		return nil
	}
	if vol.Balance != nil {
		return vol.Balance
	}
	if vol.Input == nil {
		return nil
	}
	result := new(big.Int).Set(vol.Input)
	if vol.Output != nil {
		result.Sub(result, vol.Output)
	}
	return result
}
