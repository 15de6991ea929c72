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

package api

import (
	"context"
	"fmt"
	"time"

	"vpn-usage-engine/internal/store"
)

// UsageService is the read and record surface used by command-line tools.
// It never writes ledger rows; those come only from the reconciler.
type UsageService struct {
	db       store.UsageStore
	location *time.Location
	now      func() time.Time
}

func NewUsageService(db store.UsageStore, location *time.Location) *UsageService {
	if location == nil {
		location = time.UTC
	}
	return &UsageService{
		db:       db,
		location: location,
		now:      time.Now,
	}
}

func (s *UsageService) HealthCheck(ctx context.Context) error {
	_, err := s.db.GetUsers(ctx)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
