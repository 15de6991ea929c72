package panel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"vpn-usage-engine/internal/models"

	"go.uber.org/zap"
)

type marzbanTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type marzbanUser struct {
	Username    string  `json:"username"`
	Status      string  `json:"status"`
	UsedTraffic int64   `json:"used_traffic"`
	DataLimit   *int64  `json:"data_limit"`
	Expire      *int64  `json:"expire"`
	OnlineAt    *string `json:"online_at"`
}

type marzbanUsersResponse struct {
	Users []marzbanUser `json:"users"`
	Total int           `json:"total"`
}

// marzban authenticates with admin credentials and caches the bearer token
// until the panel rejects it.
type marzban struct {
	panel   models.Panel
	apiBase string
	req     *requester

	mu    sync.Mutex
	token string
}

func newMarzban(p models.Panel, req *requester, _ Options) Adapter {
	return &marzban{
		panel:   p,
		apiBase: strings.TrimRight(p.BaseURL, "/") + "/api",
		req:     req,
	}
}

func (m *marzban) Name() string           { return m.panel.Name }
func (m *marzban) Type() models.PanelType { return models.PanelTypeMarzban }

func (m *marzban) FetchAllAccounts(ctx context.Context) ([]models.AccountReading, error) {
	token, err := m.accessToken(ctx, false)
	if err != nil {
		return nil, err
	}

	var resp marzbanUsersResponse
	err = m.getUsers(ctx, token, &resp)
	if err != nil && statusOf(err) == http.StatusUnauthorized {
		// Expired token: refresh and retry exactly once
		zap.L().Warn("Marzban token rejected, refreshing", zap.String("panel", m.panel.Name))
		token, err = m.accessToken(ctx, true)
		if err != nil {
			return nil, err
		}
		resp = marzbanUsersResponse{}
		err = m.getUsers(ctx, token, &resp)
	}
	if err != nil {
		return nil, err
	}

	readings := make([]models.AccountReading, 0, len(resp.Users))
	for _, u := range resp.Users {
		if u.Username == "" {
			continue
		}
		readings = append(readings, u.toReading())
	}
	return readings, nil
}

func (u marzbanUser) toReading() models.AccountReading {
	reading := models.AccountReading{
		NativeId:        u.Username,
		Name:            u.Username,
		CumulativeBytes: u.UsedTraffic,
		Active:          u.Status == "active",
	}
	if u.DataLimit != nil {
		reading.QuotaBytes = *u.DataLimit
	}
	if u.Expire != nil && *u.Expire > 0 {
		expire := time.Unix(*u.Expire, 0).UTC()
		reading.ExpireAt = &expire
	}
	if u.OnlineAt != nil {
		reading.LastSeen = parseTimestamp(*u.OnlineAt)
	}
	return reading
}

func (m *marzban) getUsers(ctx context.Context, token string, out *marzbanUsersResponse) error {
	return m.req.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiBase+"/users", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, out)
}

// accessToken returns the cached token, logging in when there is none or
// when refresh is set.
func (m *marzban) accessToken(ctx context.Context, refresh bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && !refresh {
		return m.token, nil
	}

	form := url.Values{}
	form.Set("username", m.panel.Username)
	form.Set("password", m.panel.Password)

	var resp marzbanTokenResponse
	err := m.req.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiBase+"/admin/token", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, &resp)
	if err != nil {
		m.token = ""
		return "", err
	}
	if resp.AccessToken == "" {
		m.token = ""
		return "", &Error{Panel: m.panel.Name, Kind: KindAuth, Err: fmt.Errorf("token response carried no access_token")}
	}

	m.token = resp.AccessToken
	zap.L().Info("Marzban access token obtained", zap.String("panel", m.panel.Name))
	return m.token, nil
}
