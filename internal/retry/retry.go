package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// limitExceededCode is the JSON-RPC code providers use for throttled requests.
const limitExceededCode = -32005

var transientMarkers = []string{
	"rate limit",
	"429",
	"too many requests",
	"timeout",
	"timed out",
	"block out of range",
}

// IsTransient reports whether err looks like a retryable infrastructure failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == limitExceededCode {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Config controls the attempt ceiling, backoff base and optional request rate.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	RatePerSec  float64
	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func()
}

// Caller runs remote operations with bounded retry on transient failures.
type Caller struct {
	maxAttempts int
	baseDelay   time.Duration
	limiter     *rate.Limiter
	onRetry     func()
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewCaller builds a Caller. A nil logger is replaced with a no-op logger.
func NewCaller(cfg Config, logger *zap.Logger) *Caller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	c := &Caller{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		onRetry:     cfg.OnRetry,
		logger:      logger,
		sleep:       sleepContext,
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c
}

// MaxAttempts returns the configured attempt ceiling.
func (c *Caller) MaxAttempts() int {
	return c.maxAttempts
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempt ceiling is reached. The last error is returned unchanged.
func (c *Caller) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := c.baseDelay
	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= c.maxAttempts {
			return err
		}

		c.logger.Warn("transient rpc failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if c.onRetry != nil {
			c.onRetry()
		}
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return err
		}
		delay *= 2
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
