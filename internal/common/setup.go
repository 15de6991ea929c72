package common

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"vpn-usage-engine/internal/database"
	"vpn-usage-engine/internal/formance"
	"vpn-usage-engine/internal/ledger"
	"vpn-usage-engine/internal/metrics"
	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/panel"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// A missing .env is fine; the environment can come from the shell or the service manager
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	DbService *database.Service
	Adapters  map[string]panel.Adapter
	Mirror    *formance.Service // nil when FORMANCE_STACK_URL is unset
	Location  *time.Location
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices opens the database, syncs the panel file into it and
// builds an adapter per active panel. m may be nil.
func InitializeServices(ctx context.Context, cfg *models.Config, m *metrics.Metrics) (*Services, error) {
	loc, err := ledger.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return nil, err
	}

	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	if err := SyncPanels(ctx, dbService, cfg.Panels.File); err != nil {
		dbService.Close()
		return nil, err
	}

	panels, err := dbService.GetActivePanels(ctx)
	if err != nil {
		dbService.Close()
		return nil, err
	}

	adapters, err := panel.NewAll(panels, panel.Options{
		Timeout:    cfg.Panels.Timeout,
		RetryCount: cfg.Panels.RetryCount,
		CacheTTL:   cfg.Panels.CacheTTL,
		Metrics:    m,
	})
	if err != nil {
		dbService.Close()
		return nil, err
	}
	zap.L().Info("Panel adapters ready", zap.Int("count", len(adapters)))

	var mirror *formance.Service
	if cfg.Formance.StackURL != "" {
		zap.L().Info("Connecting usage mirror", zap.String("stack_url", cfg.Formance.StackURL))
		mirror, err = formance.NewService(ctx, cfg.Formance)
		if err != nil {
			dbService.Close()
			return nil, fmt.Errorf("failed to initialize usage mirror: %w", err)
		}
	}

	return &Services{
		DbService: dbService,
		Adapters:  adapters,
		Mirror:    mirror,
		Location:  loc,
	}, nil
}

// InitializeDatabaseOnly initializes just the database service without panels
// Useful for read-only operations like printing the ledger
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

func (cs *Services) Close() {
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
