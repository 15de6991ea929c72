/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package common

import (
	"context"
	"fmt"

	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"

	"go.uber.org/zap"
)

// AccountInfo pairs an account with its owner for command-line utilities
type AccountInfo struct {
	Account models.Account
	User    models.User
}

// InitializeAccounts retrieves accounts based on an optional filter.
// If accountFilter is provided, it matches an account id or name.
// If accountFilter is empty, returns all active accounts.
func InitializeAccounts(ctx context.Context, dbService store.UsageStore, accountFilter string, logger *zap.Logger) ([]AccountInfo, error) {
	var accounts []models.Account

	if accountFilter != "" {
		logger.Info("Looking up account", zap.String("account", accountFilter))
		account, err := dbService.GetAccountById(ctx, accountFilter)
		if err == nil {
			accounts = append(accounts, *account)
		} else {
			all, err := dbService.GetAccounts(ctx, false)
			if err != nil {
				return nil, fmt.Errorf("failed to get accounts: %w", err)
			}
			for _, a := range all {
				if a.Name == accountFilter {
					accounts = append(accounts, a)
				}
			}
			if len(accounts) == 0 {
				return nil, fmt.Errorf("%w: %s", store.ErrAccountNotFound, accountFilter)
			}
		}
	} else {
		all, err := dbService.GetAccounts(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("failed to get accounts: %w", err)
		}
		accounts = all
	}

	users := make(map[string]models.User)
	var out []AccountInfo
	for _, a := range accounts {
		user, ok := users[a.UserId]
		if !ok {
			u, err := dbService.GetUserById(ctx, a.UserId)
			if err != nil {
				return nil, fmt.Errorf("failed to get owner of %s: %w", a.Id, err)
			}
			user = *u
			users[a.UserId] = user
		}
		out = append(out, AccountInfo{Account: a, User: user})
	}

	logger.Info("Retrieved accounts", zap.Int("count", len(out)))
	return out, nil
}
