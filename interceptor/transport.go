package interceptor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mdlayher/vsock"
	"go.uber.org/zap"
)

// Dialer opens the upstream game server connection, over TCP or, when the
// relay runs inside an enclave, over vsock to the parent.
type Dialer struct {
	Network  string
	CID      uint32
	Attempts int
	Timeout  time.Duration
	logger   *zap.Logger
}

func NewDialer(cfg *Config, logger *zap.Logger) *Dialer {
	return &Dialer{
		Network:  cfg.UpstreamNetwork,
		CID:      cfg.UpstreamCID,
		Attempts: cfg.DialAttempts,
		Timeout:  cfg.DialTimeout,
		logger:   logger.With(zap.String("component", "dialer")),
	}
}

// Dial connects to addr, retrying with exponential backoff.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	attempts := d.Attempts
	if attempts < 1 {
		attempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	var conn net.Conn
	attempt := 0
	operation := func() error {
		attempt++
		c, err := d.dialOnce(ctx, addr)
		if err != nil {
			d.logger.Warn("Upstream dial failed",
				zap.String("network", d.Network),
				zap.String("addr", addr),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		conn = c
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, fmt.Errorf("failed to dial %s %s after %d attempts: %w", d.Network, addr, attempt, err)
	}
	return conn, nil
}

func (d *Dialer) dialOnce(ctx context.Context, addr string) (net.Conn, error) {
	switch d.Network {
	case NetworkVsock:
		_, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("invalid vsock port %q: %w", portStr, err))
		}
		return vsock.Dial(d.CID, uint32(port), nil)
	default:
		nd := &net.Dialer{Timeout: d.Timeout}
		return nd.DialContext(ctx, "tcp", addr)
	}
}
