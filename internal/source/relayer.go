package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ghostSettler/internal/model"
)

const (
	relayerOrdersPath = "/api/relayer/orders"
	wsReadTimeout     = 90 * time.Second
	wsReconnectDelay  = 2 * time.Second
	wsMaxReconnect    = 30 * time.Second
)

// Relayer reads intents from the relayer's HTTP list endpoint and an optional websocket feed.
type Relayer struct {
	baseURL string
	wsURL   string
	http    *http.Client
	logger  *zap.Logger
}

// NewRelayer builds a relayer source. wsURL may be empty to disable the live feed.
func NewRelayer(baseURL, wsURL string, timeout time.Duration, logger *zap.Logger) *Relayer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relayer{
		baseURL: strings.TrimRight(baseURL, "/"),
		wsURL:   wsURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type ordersResponse struct {
	Success bool           `json:"success"`
	Orders  []model.Intent `json:"orders"`
	Error   string         `json:"error,omitempty"`
}

// List fetches GET /api/relayer/orders.
func (r *Relayer) List(ctx context.Context) ([]model.Intent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+relayerOrdersPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read orders: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list orders: status %d", resp.StatusCode)
	}

	var decoded ordersResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	if !decoded.Success {
		return nil, fmt.Errorf("list orders: relayer error %q", decoded.Error)
	}
	return decoded.Orders, nil
}

// Subscribe keeps a websocket open to the relayer feed, reconnecting with
// backoff until ctx ends or the subscription is closed.
func (r *Relayer) Subscribe(ctx context.Context) (Subscription, error) {
	if r.wsURL == "" {
		return nil, fmt.Errorf("relayer websocket url not configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan model.Intent, 64)

	go func() {
		defer close(out)
		delay := wsReconnectDelay
		for {
			if err := r.readFeed(ctx, out); err != nil && ctx.Err() == nil {
				r.logger.Warn("relayer feed disconnected", zap.Error(err), zap.Duration("retry_in", delay))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > wsMaxReconnect {
				delay = wsMaxReconnect
			}
		}
	}()

	return &chanSubscription{ch: out, close: func() error { cancel(); return nil }}, nil
}

func (r *Relayer) readFeed(ctx context.Context, out chan<- model.Intent) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	r.logger.Info("relayer feed connected", zap.String("url", r.wsURL))
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		intent, ok, err := DecodeNotification(payload)
		if err != nil {
			r.logger.Warn("bad feed message", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- intent:
		case <-ctx.Done():
			return nil
		}
	}
}
