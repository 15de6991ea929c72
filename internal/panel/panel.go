package panel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"vpn-usage-engine/internal/metrics"
	"vpn-usage-engine/internal/models"
)

// Adapter reads every account a panel knows about. A failed call returns a
// nil slice and an *Error; it never reports an empty panel instead.
type Adapter interface {
	Name() string
	Type() models.PanelType
	FetchAllAccounts(ctx context.Context) ([]models.AccountReading, error)
}

type Options struct {
	Timeout        time.Duration
	RetryCount     int
	RetryBaseDelay time.Duration
	CacheTTL       time.Duration
	HttpClient     *http.Client
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

type factory func(p models.Panel, req *requester, opts Options) Adapter

var factories = map[models.PanelType]factory{
	models.PanelTypeMarzban: newMarzban,
	models.PanelTypeHiddify: newHiddify,
}

// New builds the adapter for p's panel type, wrapped with metrics and, when
// CacheTTL is positive, a result cache.
func New(p models.Panel, opts Options) (Adapter, error) {
	build, ok := factories[p.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported panel type %q for panel %s", p.Type, p.Name)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("panel name cannot be empty")
	}
	if p.BaseURL == "" {
		return nil, fmt.Errorf("panel %s has no base url", p.Name)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	client := opts.HttpClient
	if client == nil {
		var err error
		client, err = createCustomHttpClient(opts.Timeout)
		if err != nil {
			return nil, fmt.Errorf("unable to create http client for panel %s: %w", p.Name, err)
		}
	}

	req := &requester{
		panel:     p.Name,
		client:    client,
		retries:   opts.RetryCount,
		baseDelay: opts.RetryBaseDelay,
	}

	var adapter Adapter = &observedAdapter{Adapter: build(p, req, opts), metrics: opts.Metrics}
	if opts.CacheTTL > 0 {
		adapter = NewCachedAdapter(adapter, NewCache(opts.CacheTTL, opts.Now), opts.Metrics)
	}
	return adapter, nil
}

// NewAll builds adapters for every active panel, keyed by panel name.
func NewAll(panels []models.Panel, opts Options) (map[string]Adapter, error) {
	adapters := make(map[string]Adapter, len(panels))
	for _, p := range panels {
		if !p.Active {
			continue
		}
		if _, dup := adapters[p.Name]; dup {
			return nil, fmt.Errorf("duplicate panel name %s", p.Name)
		}
		adapter, err := New(p, opts)
		if err != nil {
			return nil, err
		}
		adapters[p.Name] = adapter
	}
	return adapters, nil
}

type observedAdapter struct {
	Adapter
	metrics *metrics.Metrics
}

func (o *observedAdapter) FetchAllAccounts(ctx context.Context) ([]models.AccountReading, error) {
	start := time.Now()
	readings, err := o.Adapter.FetchAllAccounts(ctx)

	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	o.metrics.ObservePanelFetch(o.Name(), outcome, time.Since(start))

	return readings, err
}
