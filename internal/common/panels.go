package common

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"vpn-usage-engine/internal/models"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type PanelsConfig struct {
	Panels []panelEntry `yaml:"panels"`
}

// panelEntry mirrors models.Panel with an optional active flag; panels are
// active unless the file says otherwise.
type panelEntry struct {
	Name      string           `yaml:"name"`
	Type      models.PanelType `yaml:"type"`
	BaseURL   string           `yaml:"base_url"`
	Username  string           `yaml:"username"`
	Password  string           `yaml:"password"`
	APIKey    string           `yaml:"api_key"`
	ProxyPath string           `yaml:"proxy_path"`
	Active    *bool            `yaml:"active"`
}

func (e panelEntry) panel() models.Panel {
	return models.Panel{
		Name:      e.Name,
		Type:      e.Type,
		BaseURL:   e.BaseURL,
		Username:  e.Username,
		Password:  e.Password,
		APIKey:    e.APIKey,
		ProxyPath: e.ProxyPath,
		Active:    e.Active == nil || *e.Active,
	}
}

// PanelUpserter is the slice of the store SyncPanels writes to.
type PanelUpserter interface {
	UpsertPanel(ctx context.Context, panel models.Panel) error
}

func LoadPanelConfig(panelsFile string) ([]models.Panel, error) {
	var panelsPath string
	if filepath.IsAbs(panelsFile) {
		panelsPath = panelsFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		panelsPath = filepath.Join(wd, panelsFile)
	}

	data, err := os.ReadFile(panelsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", panelsFile, err)
	}

	var config PanelsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", panelsFile, err)
	}

	panels := make([]models.Panel, 0, len(config.Panels))
	seen := make(map[string]bool, len(config.Panels))
	for i, entry := range config.Panels {
		p := entry.panel()
		if p.Name == "" {
			return nil, fmt.Errorf("panel at index %d missing name", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("panel %s is listed twice", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case models.PanelTypeMarzban, models.PanelTypeHiddify:
		default:
			return nil, fmt.Errorf("panel %s has unsupported type %q", p.Name, p.Type)
		}
		if p.BaseURL == "" {
			return nil, fmt.Errorf("panel %s missing base_url", p.Name)
		}
		panels = append(panels, p)
	}

	return panels, nil
}

// SyncPanels upserts every panel of the file. A missing file leaves the
// stored panels as they are.
func SyncPanels(ctx context.Context, store PanelUpserter, panelsFile string) error {
	if panelsFile == "" {
		return nil
	}
	if _, err := os.Stat(panelsFile); os.IsNotExist(err) {
		zap.L().Warn("Panels file not found, using stored panels", zap.String("file", panelsFile))
		return nil
	}

	panels, err := LoadPanelConfig(panelsFile)
	if err != nil {
		return err
	}
	for _, p := range panels {
		if err := store.UpsertPanel(ctx, p); err != nil {
			return err
		}
	}

	zap.L().Info("Panels synced", zap.String("file", panelsFile), zap.Int("count", len(panels)))
	return nil
}
