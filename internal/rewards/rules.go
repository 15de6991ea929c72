package rewards

import (
	"time"

	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/models"
)

// Aggregates is everything a badge rule may look at for one user.
type Aggregates struct {
	AccountAgeDays      int
	TrailingUsageBytes  int64
	PaymentCount        int
	SuccessfulReferrals int
	ChampionWins        int
	ChampionStreak      int
}

// Rule is a conjunction of thresholds. Unset thresholds are ignored.
type Rule struct {
	AccountAgeDays  *int     `yaml:"account_age_days"`  // at least
	TrailingUsageGB *int     `yaml:"trailing_usage_gb"` // strictly more than
	Payments        *int     `yaml:"payments"`          // strictly more than
	Referrals       *int     `yaml:"referrals"`         // at least
	ChampionWins    *int     `yaml:"champion_wins"`     // at least
	ChampionStreak  *int     `yaml:"champion_streak"`   // at least
	Requires        []string `yaml:"requires"`          // badges already held
}

func (r Rule) empty() bool {
	return r.AccountAgeDays == nil && r.TrailingUsageGB == nil && r.Payments == nil &&
		r.Referrals == nil && r.ChampionWins == nil && r.ChampionStreak == nil &&
		len(r.Requires) == 0
}

// Matches is a pure predicate over the aggregates and the badges held.
func (r Rule) Matches(a Aggregates, held map[string]bool) bool {
	if r.empty() {
		return false
	}
	if r.AccountAgeDays != nil && a.AccountAgeDays < *r.AccountAgeDays {
		return false
	}
	if r.TrailingUsageGB != nil && a.TrailingUsageBytes <= int64(*r.TrailingUsageGB)*ledger.GiB {
		return false
	}
	if r.Payments != nil && a.PaymentCount <= *r.Payments {
		return false
	}
	if r.Referrals != nil && a.SuccessfulReferrals < *r.Referrals {
		return false
	}
	if r.ChampionWins != nil && a.ChampionWins < *r.ChampionWins {
		return false
	}
	if r.ChampionStreak != nil && a.ChampionStreak < *r.ChampionStreak {
		return false
	}
	for _, code := range r.Requires {
		if !held[code] {
			return false
		}
	}
	return true
}

// longestStreak counts the longest run of consecutive weeks among wins.
// Wins must be ordered by week.
func longestStreak(wins []models.WeeklyChampion) int {
	longest, current := 0, 0
	var prev time.Time
	for _, w := range wins {
		week, err := time.Parse(ledger.DayLayout, w.WeekStart)
		if err != nil {
			current = 0
			continue
		}
		if current > 0 && week.Sub(prev) == 7*24*time.Hour {
			current++
		} else {
			current = 1
		}
		prev = week
		if current > longest {
			longest = current
		}
	}
	return longest
}

// completedYears returns the whole years between from and to in loc.
func completedYears(from, to time.Time, loc *time.Location) int {
	from, to = from.In(loc), to.In(loc)
	years := to.Year() - from.Year()
	if to.Month() < from.Month() || (to.Month() == from.Month() && to.Day() < from.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// isBirthday reports whether today in loc is the birthday. A Feb 29
// birthday is celebrated on Feb 28 in common years.
func isBirthday(birthday, now time.Time, loc *time.Location) bool {
	today := now.In(loc)
	month, day := birthday.Month(), birthday.Day()
	if month == time.February && day == 29 && !isLeap(today.Year()) {
		day = 28
	}
	return today.Month() == month && today.Day() == day
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
