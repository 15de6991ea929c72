package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const defaultRetryBaseDelay = 500 * time.Millisecond

func createCustomHttpClient(timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	tr := &http.Transport{
		ResponseHeaderTimeout: timeout,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   10 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// requester performs JSON calls against one panel with bounded retries.
// Network failures and 5xx responses are retried; everything else is final.
type requester struct {
	panel     string
	client    *http.Client
	retries   int
	baseDelay time.Duration
}

func (r *requester) doJSON(ctx context.Context, newRequest func(ctx context.Context) (*http.Request, error), out any) error {
	operation := func() error {
		req, err := newRequest(ctx)
		if err != nil {
			return backoff.Permanent(&Error{Panel: r.panel, Kind: KindUnknown, Err: fmt.Errorf("build request: %w", err)})
		}

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(&Error{Panel: r.panel, Kind: KindNetwork, Err: ctx.Err()})
			}
			return &Error{Panel: r.panel, Kind: KindNetwork, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusMultipleChoices {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			msg := strings.TrimSpace(string(body))
			if msg == "" {
				msg = http.StatusText(resp.StatusCode)
			}
			panelErr := &Error{Panel: r.panel, Kind: classifyStatus(resp.StatusCode), Status: resp.StatusCode, Err: errors.New(msg)}
			if resp.StatusCode >= http.StatusInternalServerError {
				return panelErr
			}
			return backoff.Permanent(panelErr)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(&Error{Panel: r.panel, Kind: KindUnknown, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)})
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.baseDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = defaultRetryBaseDelay
	}
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(r.retries, 0))), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		zap.L().Warn("Panel request failed, retrying",
			zap.String("panel", r.panel),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err == nil {
		return nil
	}

	var panelErr *Error
	if !errors.As(err, &panelErr) {
		return &Error{Panel: r.panel, Kind: KindNetwork, Err: err}
	}
	return err
}
