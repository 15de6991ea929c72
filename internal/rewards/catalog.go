package rewards

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v2"
)

// Badge codes of the built-in catalog
const (
	BadgeVeteran        = "veteran"
	BadgeHeavyUser      = "heavy_user"
	BadgeLoyalSupporter = "loyal_supporter"
	BadgeAmbassador     = "ambassador"
	BadgeWeeklyChampion = "weekly_champion"
	BadgeSerialChampion = "serial_champion"
	BadgeLegend         = "legend"
)

// Badge is one achievement a user can hold at most once.
type Badge struct {
	Code        string `yaml:"code"`
	Name        string `yaml:"name"`
	Icon        string `yaml:"icon"`
	Description string `yaml:"description"`
	Points      int    `yaml:"points"`
	Rule        Rule   `yaml:"rule"`
}

// IsMeta reports whether the badge depends on other badges.
func (b Badge) IsMeta() bool {
	return len(b.Rule.Requires) > 0
}

// LoyaltyTier is a one-time account reward for reaching a payment count.
type LoyaltyTier struct {
	Payments   int `yaml:"payments"`
	RewardGB   int `yaml:"reward_gb"`
	RewardDays int `yaml:"reward_days"`
}

// Event is a special occasion on which every active account gets a gift.
// Date is the calendar day as MM-DD.
type Event struct {
	Date     string `yaml:"date"`
	Name     string `yaml:"name"`
	GiftGB   int    `yaml:"gift_gb"`
	GiftDays int    `yaml:"gift_days"`
	Message  string `yaml:"message"`

	month time.Month
	day   int
}

// On reports whether t falls on the event's day in loc.
func (ev Event) On(t time.Time, loc *time.Location) bool {
	local := t.In(loc)
	return local.Month() == ev.month && local.Day() == ev.day
}

// HasGift reports whether the event gives anything.
func (ev Event) HasGift() bool {
	return ev.GiftGB > 0 || ev.GiftDays > 0
}

// Catalog is the set of badges, loyalty tiers and events in force.
type Catalog struct {
	Badges       []Badge       `yaml:"badges"`
	LoyaltyTiers []LoyaltyTier `yaml:"loyalty_tiers"`
	Events       []Event       `yaml:"events"`

	byCode map[string]Badge
}

func intPtr(v int) *int { return &v }

// DefaultCatalog returns the built-in badges. ambassadorThreshold is the
// number of rewarded referrals the ambassador badge needs.
func DefaultCatalog(ambassadorThreshold int) *Catalog {
	if ambassadorThreshold <= 0 {
		ambassadorThreshold = 5
	}

	c := &Catalog{
		Badges: []Badge{
			{Code: BadgeVeteran, Name: "Veteran", Icon: "🎖", Points: 50,
				Description: "A full year with us.",
				Rule:        Rule{AccountAgeDays: intPtr(365)}},
			{Code: BadgeHeavyUser, Name: "Heavy User", Icon: "🔥", Points: 30,
				Description: "More than 200 GB in the last 30 days.",
				Rule:        Rule{TrailingUsageGB: intPtr(200)}},
			{Code: BadgeLoyalSupporter, Name: "Loyal Supporter", Icon: "💎", Points: 40,
				Description: "More than five renewals.",
				Rule:        Rule{Payments: intPtr(5)}},
			{Code: BadgeAmbassador, Name: "Ambassador", Icon: "🤝", Points: 60,
				Description: fmt.Sprintf("At least %d friends joined and renewed.", ambassadorThreshold),
				Rule:        Rule{Referrals: intPtr(ambassadorThreshold)}},
			{Code: BadgeWeeklyChampion, Name: "Weekly Champion", Icon: "🏆", Points: 20,
				Description: "Topped the weekly usage race.",
				Rule:        Rule{ChampionWins: intPtr(1)}},
			{Code: BadgeSerialChampion, Name: "Serial Champion", Icon: "👑", Points: 100,
				Description: "Won eight weeks in a row.",
				Rule:        Rule{ChampionStreak: intPtr(8)}},
			{Code: BadgeLegend, Name: "Legend", Icon: "🌟", Points: 200,
				Description: "Veteran, loyal supporter and ambassador at once.",
				Rule:        Rule{Requires: []string{BadgeVeteran, BadgeLoyalSupporter, BadgeAmbassador}}},
		},
		LoyaltyTiers: defaultLoyaltyTiers(),
	}
	if err := c.index(); err != nil {
		panic(err)
	}
	return c
}

func defaultLoyaltyTiers() []LoyaltyTier {
	return []LoyaltyTier{
		{Payments: 3, RewardGB: 10, RewardDays: 5},
		{Payments: 6, RewardGB: 20, RewardDays: 10},
		{Payments: 12, RewardGB: 50, RewardDays: 30},
	}
}

// LoadCatalog reads a YAML catalog. An empty path returns the default
// catalog. Sections the file leaves out fall back to the defaults.
func LoadCatalog(path string, ambassadorThreshold int) (*Catalog, error) {
	defaults := DefaultCatalog(ambassadorThreshold)
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read achievements file: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to parse achievements file: %w", err)
	}
	if len(c.Badges) == 0 {
		c.Badges = defaults.Badges
	}
	if len(c.LoyaltyTiers) == 0 {
		c.LoyaltyTiers = defaults.LoyaltyTiers
	}

	if err := c.index(); err != nil {
		return nil, fmt.Errorf("invalid achievements file %s: %w", path, err)
	}
	return &c, nil
}

// index validates the catalog and builds the code lookup.
func (c *Catalog) index() error {
	c.byCode = make(map[string]Badge, len(c.Badges))
	for _, b := range c.Badges {
		if b.Code == "" {
			return fmt.Errorf("badge with empty code")
		}
		if _, dup := c.byCode[b.Code]; dup {
			return fmt.Errorf("badge %q defined twice", b.Code)
		}
		if b.Rule.empty() {
			return fmt.Errorf("badge %q has no conditions", b.Code)
		}
		c.byCode[b.Code] = b
	}
	for _, b := range c.Badges {
		for _, req := range b.Rule.Requires {
			if _, ok := c.byCode[req]; !ok {
				return fmt.Errorf("badge %q requires unknown badge %q", b.Code, req)
			}
			if req == b.Code {
				return fmt.Errorf("badge %q requires itself", b.Code)
			}
		}
	}

	seen := make(map[int]bool, len(c.LoyaltyTiers))
	for _, tier := range c.LoyaltyTiers {
		if tier.Payments <= 0 {
			return fmt.Errorf("loyalty tier with %d payments", tier.Payments)
		}
		if seen[tier.Payments] {
			return fmt.Errorf("loyalty tier %d defined twice", tier.Payments)
		}
		seen[tier.Payments] = true
	}
	sort.Slice(c.LoyaltyTiers, func(i, j int) bool {
		return c.LoyaltyTiers[i].Payments < c.LoyaltyTiers[j].Payments
	})

	// The date is part of the grant code, so one event per day
	dates := make(map[string]bool, len(c.Events))
	for i := range c.Events {
		ev := &c.Events[i]
		day, err := time.Parse("01-02", ev.Date)
		if err != nil {
			return fmt.Errorf("event %q has invalid date %q, expected MM-DD", ev.Name, ev.Date)
		}
		if dates[ev.Date] {
			return fmt.Errorf("event date %s defined twice", ev.Date)
		}
		if ev.GiftGB < 0 || ev.GiftDays < 0 {
			return fmt.Errorf("event %q has a negative gift", ev.Name)
		}
		dates[ev.Date] = true
		ev.month, ev.day = day.Month(), day.Day()
	}
	return nil
}

// Badge looks up a badge by code.
func (c *Catalog) Badge(code string) (Badge, bool) {
	b, ok := c.byCode[code]
	return b, ok
}

// PointsFor returns the catalog points of a badge, zero for retired codes.
func (c *Catalog) PointsFor(code string) int {
	return c.byCode[code].Points
}

// NextTier returns the smallest tier above payments.
func (c *Catalog) NextTier(payments int) (LoyaltyTier, bool) {
	for _, tier := range c.LoyaltyTiers {
		if tier.Payments > payments {
			return tier, true
		}
	}
	return LoyaltyTier{}, false
}
