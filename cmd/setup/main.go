package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"vpn-usage-engine/internal/common"
	"vpn-usage-engine/internal/config"
	"vpn-usage-engine/internal/database"
	"vpn-usage-engine/internal/store"

	"go.uber.org/zap"
)

type bindingFlags struct {
	user     string
	account  string
	panel    string
	nativeId string
	birthday string
	vip      bool
}

// addAccount creates a user with one account and binds it to a panel
func addAccount(ctx context.Context, dbService *database.Service, f bindingFlags) error {
	var birthday *time.Time
	if f.birthday != "" {
		b, err := time.Parse("2006-01-02", f.birthday)
		if err != nil {
			return fmt.Errorf("invalid -birthday %q: %w", f.birthday, err)
		}
		birthday = &b
	}

	user, err := dbService.CreateUser(ctx, store.CreateUserParams{Name: f.user, Birthday: birthday})
	if err != nil {
		return err
	}
	account, err := dbService.CreateAccount(ctx, store.CreateAccountParams{UserId: user.Id, Name: f.account, IsVip: f.vip})
	if err != nil {
		return err
	}

	if f.panel != "" {
		if f.nativeId == "" {
			return fmt.Errorf("-native is required with -panel")
		}
		err := dbService.BindAccount(ctx, store.BindAccountParams{AccountId: account.Id, PanelName: f.panel, NativeId: f.nativeId})
		if err != nil {
			return err
		}
	}

	fmt.Printf("User %s (%s)\n", user.Name, user.Id)
	fmt.Printf("%s Account %s (%s)\n", common.BoxPrefix(f.panel == ""), account.Name, account.Id)
	if f.panel != "" {
		fmt.Printf("%s Bound to %s as %s\n", common.BoxPrefix(true), f.panel, f.nativeId)
	}
	return nil
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	seedFlag := flag.Bool("seed", false, "Insert demo users, accounts and bindings for every panel")
	var f bindingFlags
	flag.StringVar(&f.user, "user", "", "Create a user with this name")
	flag.StringVar(&f.account, "account", "", "Account name for the new user (default: user name)")
	flag.StringVar(&f.panel, "panel", "", "Bind the new account to this panel")
	flag.StringVar(&f.nativeId, "native", "", "Native id of the account on the panel (username or uuid)")
	flag.StringVar(&f.birthday, "birthday", "", "Birthday YYYY-MM-DD of the new user")
	flag.BoolVar(&f.vip, "vip", false, "Mark the new account as VIP")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	zap.L().Info("Setting up SQLite database", zap.String("path", cfg.Database.Path))
	cfg.Database.SeedDemoData = false
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	zap.L().Info("Syncing panels", zap.String("file", cfg.Panels.File))
	if err := common.SyncPanels(ctx, dbService, cfg.Panels.File); err != nil {
		zap.L().Fatal("Failed to sync panels", zap.Error(err))
	}

	if *seedFlag {
		zap.L().Info("Seeding demo data")
		dbService.SeedDemoData(ctx)
	}

	if f.user != "" {
		if f.account == "" {
			f.account = f.user
		}
		if err := addAccount(ctx, dbService, f); err != nil {
			zap.L().Fatal("Failed to add account", zap.Error(err))
		}
	}

	zap.L().Info("Setup complete")
}
