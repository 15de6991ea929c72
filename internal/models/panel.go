package models

import "time"

// PanelType identifies the API flavour of a panel
type PanelType string

const (
	PanelTypeMarzban PanelType = "marzban"
	PanelTypeHiddify PanelType = "hiddify"
)

// AccountReading is one account as reported by a panel, normalized to bytes
type AccountReading struct {
	NativeId        string
	Name            string
	CumulativeBytes int64
	QuotaBytes      int64 // 0 means unlimited
	ExpireAt        *time.Time
	Active          bool
	LastSeen        *time.Time
}

// UsagePercentage returns usage/quota*100. ok is false when the quota is
// unlimited, in which case the percentage is undefined.
func (r AccountReading) UsagePercentage() (pct float64, ok bool) {
	if r.QuotaBytes <= 0 {
		return 0, false
	}
	return float64(r.CumulativeBytes) / float64(r.QuotaBytes) * 100, true
}

