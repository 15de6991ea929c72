package panel

import (
	"context"
	"net/http"
	"strings"
	"time"

	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/models"

	"github.com/shopspring/decimal"
)

type hiddifyUser struct {
	UUID           string          `json:"uuid"`
	Name           string          `json:"name"`
	CurrentUsageGB decimal.Decimal `json:"current_usage_GB"`
	UsageLimitGB   decimal.Decimal `json:"usage_limit_GB"`
	PackageDays    *int            `json:"package_days"`
	StartDate      *string         `json:"start_date"`
	LastOnline     *string         `json:"last_online"`
	Enable         bool            `json:"enable"`
	IsActive       bool            `json:"is_active"`
}

// hiddify uses a static API key, so there is no token to refresh.
type hiddify struct {
	panel    models.Panel
	usersURL string
	req      *requester
}

func newHiddify(p models.Panel, req *requester, _ Options) Adapter {
	base := strings.TrimRight(p.BaseURL, "/")
	if proxy := strings.Trim(p.ProxyPath, "/"); proxy != "" {
		base += "/" + proxy
	}
	return &hiddify{
		panel:    p,
		usersURL: base + "/api/v2/admin/user/",
		req:      req,
	}
}

func (h *hiddify) Name() string           { return h.panel.Name }
func (h *hiddify) Type() models.PanelType { return models.PanelTypeHiddify }

func (h *hiddify) FetchAllAccounts(ctx context.Context) ([]models.AccountReading, error) {
	var users []hiddifyUser
	err := h.req.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.usersURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Hiddify-API-Key", h.panel.APIKey)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, &users)
	if err != nil {
		return nil, err
	}

	readings := make([]models.AccountReading, 0, len(users))
	for _, u := range users {
		if u.UUID == "" {
			continue
		}
		readings = append(readings, u.toReading())
	}
	return readings, nil
}

func (u hiddifyUser) toReading() models.AccountReading {
	reading := models.AccountReading{
		NativeId:        u.UUID,
		Name:            u.Name,
		CumulativeBytes: gigabytesToBytes(u.CurrentUsageGB),
		QuotaBytes:      gigabytesToBytes(u.UsageLimitGB),
		Active:          u.Enable && u.IsActive,
	}
	// An account that has not been used yet has no start date and no running package
	if u.StartDate != nil && u.PackageDays != nil {
		if start := parseTimestamp(*u.StartDate); start != nil {
			expire := start.Add(time.Duration(*u.PackageDays) * 24 * time.Hour)
			reading.ExpireAt = &expire
		}
	}
	if u.LastOnline != nil {
		reading.LastSeen = parseTimestamp(*u.LastOnline)
	}
	return reading
}

// gigabytesToBytes converts a panel's fractional gigabyte figure using
// decimal arithmetic so 0.1 GB does not drift by float rounding.
func gigabytesToBytes(gb decimal.Decimal) int64 {
	if gb.IsNegative() {
		return 0
	}
	return gb.Mul(decimal.NewFromInt(ledger.GiB)).Round(0).IntPart()
}
