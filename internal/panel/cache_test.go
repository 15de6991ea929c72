package panel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vpn-usage-engine/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewCache(time.Minute, clock.Now)
	ctx := context.Background()

	var calls int
	fetch := func(context.Context) ([]models.AccountReading, error) {
		calls++
		return []models.AccountReading{{NativeId: "a", CumulativeBytes: int64(calls)}}, nil
	}

	first, hit, err := cache.Do(ctx, allAccountsKey, fetch)
	if err != nil || hit {
		t.Fatalf("Expected a miss, got hit=%v err=%v", hit, err)
	}

	clock.Advance(30 * time.Second)
	second, hit, err := cache.Do(ctx, allAccountsKey, fetch)
	if err != nil || !hit {
		t.Fatalf("Expected a hit, got hit=%v err=%v", hit, err)
	}
	if second[0].CumulativeBytes != first[0].CumulativeBytes {
		t.Error("Expected cached value within TTL")
	}

	clock.Advance(31 * time.Second)
	third, hit, err := cache.Do(ctx, allAccountsKey, fetch)
	if err != nil || hit {
		t.Fatalf("Expected a miss after TTL, got hit=%v err=%v", hit, err)
	}
	if third[0].CumulativeBytes != 2 || calls != 2 {
		t.Errorf("Expected a refetch, got value %d after %d calls", third[0].CumulativeBytes, calls)
	}
}

func TestCache_FailuresAreNotCached(t *testing.T) {
	cache := NewCache(time.Minute, nil)
	ctx := context.Background()

	boom := &Error{Panel: "de-1", Kind: KindNetwork, Err: errors.New("refused")}
	if _, _, err := cache.Do(ctx, allAccountsKey, func(context.Context) ([]models.AccountReading, error) {
		return nil, boom
	}); !errors.Is(err, ErrNetwork) {
		t.Fatalf("Expected ErrNetwork, got %v", err)
	}

	if _, ok := cache.Get(allAccountsKey); ok {
		t.Error("Expected failure not to be cached")
	}
}

func TestCache_CoalescesConcurrentMisses(t *testing.T) {
	cache := NewCache(time.Minute, nil)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) ([]models.AccountReading, error) {
		calls.Add(1)
		<-release
		return []models.AccountReading{{NativeId: "a"}}, nil
	}

	const callers = 10
	var wg sync.WaitGroup
	var started sync.WaitGroup
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			if _, _, err := cache.Do(ctx, allAccountsKey, fetch); err != nil {
				t.Errorf("Do failed: %v", err)
			}
		}()
	}

	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("Expected one fetch for concurrent misses, got %d", got)
	}
}

type stubAdapter struct {
	name     string
	calls    atomic.Int32
	readings []models.AccountReading
	err      error
}

func (s *stubAdapter) Name() string           { return s.name }
func (s *stubAdapter) Type() models.PanelType { return models.PanelTypeMarzban }
func (s *stubAdapter) FetchAllAccounts(context.Context) ([]models.AccountReading, error) {
	s.calls.Add(1)
	return s.readings, s.err
}

func TestCachedAdapter_AndUncached(t *testing.T) {
	stub := &stubAdapter{name: "de-1", readings: []models.AccountReading{{NativeId: "a"}}}
	cached := NewCachedAdapter(stub, NewCache(time.Minute, nil), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cached.FetchAllAccounts(ctx); err != nil {
			t.Fatalf("FetchAllAccounts failed: %v", err)
		}
	}
	if got := stub.calls.Load(); got != 1 {
		t.Errorf("Expected 1 underlying call, got %d", got)
	}

	if _, err := Uncached(cached).FetchAllAccounts(ctx); err != nil {
		t.Fatalf("FetchAllAccounts failed: %v", err)
	}
	if got := stub.calls.Load(); got != 2 {
		t.Errorf("Expected uncached call to reach the panel, got %d calls", got)
	}
	if cached.Name() != "de-1" {
		t.Errorf("Expected name passthrough, got %s", cached.Name())
	}
}
