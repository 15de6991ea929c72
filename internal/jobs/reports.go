package jobs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/notify"
	"vpn-usage-engine/internal/usage"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// reportLag shifts the firing time back so a report that fires shortly
// before midnight covers the day it closes and one after midnight covers
// the day before.
const reportLag = 12 * time.Hour

// reportDay is the ledger day a report firing at now describes.
func (j *Jobs) reportDay(now time.Time) string {
	return ledger.DayOf(now.Add(-reportLag), j.location)
}

// DailyReport emits one report request per account with usage on the report day.
func (j *Jobs) DailyReport(ctx context.Context) error {
	day := j.reportDay(j.now())

	records, err := j.store.GetDailyUsageForDay(ctx, day)
	if err != nil {
		return err
	}
	owners, err := j.accountOwners(ctx)
	if err != nil {
		return err
	}

	var sent, failed int
	for _, record := range records {
		total := record.Total()
		if total <= 0 {
			continue
		}

		payload := map[string]string{
			"day":   day,
			"total": usage.FormatBytes(total),
		}
		for panelName, bytes := range record.PanelBytes {
			payload["panel_"+panelName] = usage.FormatBytes(bytes)
		}

		n := models.Notification{
			UserId:    owners[record.AccountId],
			AccountId: record.AccountId,
			Kind:      notify.KindDailyReport,
			Payload:   payload,
		}
		if err := j.sink.Notify(ctx, n); err != nil {
			failed++
			zap.L().Error("Failed to emit daily report", zap.String("account_id", record.AccountId), zap.Error(err))
			continue
		}
		sent++
	}

	zap.L().Info("Daily report finished",
		zap.String("day", day),
		zap.Int("sent", sent),
		zap.Int("failed", failed))
	return nil
}

// WeeklyBreakdown is one account's usage over a week split by time of day.
type WeeklyBreakdown struct {
	AccountId string
	Total     int64
	Buckets   map[ledger.TimeOfDay]int64
}

// Peak returns the busiest time-of-day bucket.
func (w WeeklyBreakdown) Peak() ledger.TimeOfDay {
	var peak ledger.TimeOfDay
	var best int64 = -1
	for _, tod := range []ledger.TimeOfDay{ledger.Morning, ledger.Afternoon, ledger.Evening, ledger.Night} {
		if w.Buckets[tod] > best {
			peak, best = tod, w.Buckets[tod]
		}
	}
	return peak
}

// DeltaReader is the slice of the store Breakdown needs.
type DeltaReader interface {
	GetUsageDeltas(ctx context.Context, accountId string, from, to time.Time) ([]models.UsageDelta, error)
}

// Breakdown splits an account's deltas in [from, to) into time-of-day buckets.
func Breakdown(ctx context.Context, s DeltaReader, accountId string, from, to time.Time, loc *time.Location) (*WeeklyBreakdown, error) {
	deltas, err := s.GetUsageDeltas(ctx, accountId, from, to)
	if err != nil {
		return nil, err
	}
	out := &WeeklyBreakdown{AccountId: accountId, Buckets: make(map[ledger.TimeOfDay]int64)}
	for _, d := range deltas {
		out.Buckets[ledger.TimeOfDayOf(d.TakenAt, loc)] += d.DeltaBytes
		out.Total += d.DeltaBytes
	}
	return out, nil
}

// weekWindow returns the seven ledger days ending on the report day and the
// instants bounding them.
func (j *Jobs) weekWindow(now time.Time) (fromDay, toDay string, from, to time.Time, err error) {
	toDay = j.reportDay(now)
	if fromDay, err = ledger.AddDays(toDay, -6); err != nil {
		return
	}
	afterDay, err := ledger.AddDays(toDay, 1)
	if err != nil {
		return
	}
	if from, err = time.ParseInLocation(ledger.DayLayout, fromDay, j.location); err != nil {
		return
	}
	to, err = time.ParseInLocation(ledger.DayLayout, afterDay, j.location)
	return
}

// WeeklyReport emits a time-of-day breakdown per active account and elects
// the week's champion.
func (j *Jobs) WeeklyReport(ctx context.Context) error {
	fromDay, toDay, from, to, err := j.weekWindow(j.now())
	if err != nil {
		return fmt.Errorf("failed to compute week window: %w", err)
	}

	accounts, err := j.store.GetAccounts(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	var sent, failed int
	for _, account := range accounts {
		breakdown, err := Breakdown(ctx, j.store, account.Id, from, to, j.location)
		if err != nil {
			failed++
			zap.L().Error("Failed to build weekly breakdown", zap.String("account_id", account.Id), zap.Error(err))
			continue
		}
		if breakdown.Total <= 0 {
			continue
		}

		n := models.Notification{
			UserId:    account.UserId,
			AccountId: account.Id,
			Kind:      notify.KindWeeklyReport,
			Payload: map[string]string{
				"week_start": fromDay,
				"week_end":   toDay,
				"total":      usage.FormatBytes(breakdown.Total),
				"peak":       string(breakdown.Peak()),
			},
		}
		for tod, bytes := range breakdown.Buckets {
			n.Payload[string(tod)] = usage.FormatBytes(bytes)
		}
		if err := j.sink.Notify(ctx, n); err != nil {
			failed++
			zap.L().Error("Failed to emit weekly report", zap.String("account_id", account.Id), zap.Error(err))
			continue
		}
		sent++
	}

	if err := j.electChampion(ctx, fromDay, toDay); err != nil {
		return err
	}

	zap.L().Info("Weekly report finished",
		zap.String("week_start", fromDay),
		zap.Int("sent", sent),
		zap.Int("failed", failed))
	return nil
}

// electChampion records the top user of the week. A rerun for the same week
// finds the recorded champion and announces nothing.
func (j *Jobs) electChampion(ctx context.Context, fromDay, toDay string) error {
	totals, err := j.store.GetUsageTotalsByUser(ctx, fromDay, toDay)
	if err != nil {
		return err
	}
	if len(totals) == 0 {
		return nil
	}

	top := lo.MaxBy(lo.Entries(totals), func(a, b lo.Entry[string, int64]) bool {
		return a.Value > b.Value || (a.Value == b.Value && a.Key < b.Key)
	})
	if top.Value <= 0 {
		return nil
	}

	wins, err := j.store.GetWeeklyChampions(ctx, top.Key)
	if err != nil {
		return err
	}
	if lo.ContainsBy(wins, func(w models.WeeklyChampion) bool { return w.WeekStart == fromDay }) {
		return nil
	}

	champion := models.WeeklyChampion{WeekStart: fromDay, UserId: top.Key, UsageBytes: top.Value}
	recorded, err := j.store.RecordWeeklyChampion(ctx, champion)
	if err != nil {
		return err
	}
	if !recorded {
		// A concurrent run recorded this week first
		return nil
	}

	zap.L().Info("Weekly champion elected",
		zap.String("week_start", fromDay),
		zap.String("user_id", top.Key),
		zap.Int64("usage_bytes", top.Value))

	return j.sink.Notify(ctx, models.Notification{
		UserId: top.Key,
		Kind:   notify.KindWeeklyChampion,
		Payload: map[string]string{
			"week_start": fromDay,
			"usage":      usage.FormatBytes(top.Value),
			"usage_gb":   strconv.FormatInt(top.Value/ledger.GiB, 10),
		},
	})
}
