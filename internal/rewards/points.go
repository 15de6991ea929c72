package rewards

import (
	"context"
	"fmt"
	"sort"

	"vpn-usage-engine/internal/models"

	"github.com/samber/lo"
)

// LeaderboardEntry is one row of the points leaderboard.
type LeaderboardEntry struct {
	UserId string
	Name   string
	Points int
	Badges []string
}

// Points sums the catalog points of the badges a user holds. Points are
// derived on read, so a badge counts once however often it was evaluated.
func (e *Engine) Points(ctx context.Context, userId string) (int, error) {
	grants, err := e.store.GetAchievementGrants(ctx, userId)
	if err != nil {
		return 0, fmt.Errorf("failed to load grants: %w", err)
	}
	return e.sumPoints(grants), nil
}

// Leaderboard returns the top n users by points. Ties are broken by user id.
func (e *Engine) Leaderboard(ctx context.Context, n int) ([]LeaderboardEntry, error) {
	grants, err := e.store.GetAllAchievementGrants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	users, err := e.store.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	names := lo.SliceToMap(users, func(u models.User) (string, string) { return u.Id, u.Name })

	byUser := lo.GroupBy(grants, func(g models.AchievementGrant) string { return g.UserId })
	entries := make([]LeaderboardEntry, 0, len(byUser))
	for userId, held := range byUser {
		entries = append(entries, LeaderboardEntry{
			UserId: userId,
			Name:   names[userId],
			Points: e.sumPoints(held),
			Badges: lo.Map(held, func(g models.AchievementGrant, _ int) string { return g.BadgeCode }),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Points != entries[j].Points {
			return entries[i].Points > entries[j].Points
		}
		return entries[i].UserId < entries[j].UserId
	})

	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (e *Engine) sumPoints(grants []models.AchievementGrant) int {
	return lo.SumBy(grants, func(g models.AchievementGrant) int { return e.catalog.PointsFor(g.BadgeCode) })
}
