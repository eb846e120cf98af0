package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gamerelay/packet"
	"gamerelay/rc4"
	"gamerelay/recovery"

	"go.uber.org/zap"
)

// bootstrap recovers the cipher state from the first ciphered bytes the
// client sends. It runs on the outgoing relay goroutine before the fourth
// client frame is read. A returned error ends the connection; a failed
// recovery does not and leaves the connection unkeyed.
func (c *Connection) bootstrap(ctx context.Context) (err error) {
	cfg := c.ic.config
	logger := c.logger.With(zap.String("component", "bootstrap"))

	if c.ic.keys == nil {
		logger.Error("Could not find RC4 key.", zap.String("reason", "no key source configured"))
		return nil
	}
	raw, err := c.ic.keys.TryExtractRawKey(ctx)
	if err != nil {
		logger.Error("Could not find RC4 key.", zap.Error(err))
		return nil
	}
	seed, err := recovery.SeedKey(raw)
	if err != nil {
		logger.Error("Could not find RC4 key.", zap.Error(err))
		return nil
	}

	// Frames injected toward the server wait until the recovered frames are
	// written, so the server sees the client's frames first.
	c.toServer.hold()
	var forward [][]byte
	var cipher *rc4.Key
	defer func() {
		if werr := c.toServer.release(cipher, forward); werr != nil && err == nil {
			err = fmt.Errorf("failed to write client frames: %w", werr)
		}
	}()

	// Let the client's next frames arrive so the sample holds at least one.
	if cfg.RecoverySettleDelay > 0 {
		timer := time.NewTimer(cfg.RecoverySettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	sample := make([]byte, cfg.RecoverySampleSize)
	n, err := c.client.Read(sample)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return err
	}
	sample = sample[:n]

	result, err := c.ic.engine.Recover(ctx, seed, sample)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("Key recovery failed, relaying without decryption",
			zap.Int("sample", n), zap.Error(err))
		// Pass the client's bytes through unchanged.
		forward = append(forward, sample)
		return nil
	}

	c.clientIn.pending = result.Remainder
	logger.Info("Decryption enabled",
		zap.Int("frames", len(result.Frames)),
		zap.Int("remainder", len(result.Remainder)),
		zap.Duration("duration", result.Duration))

	c.loadCatalog(ctx, logger, result.Frames[0])

	for _, msg := range result.Frames {
		c.framesOut.Add(1)
		c.ic.catalog.Annotate(packet.Outgoing, msg)
		trace(logger, msg, packet.Encode(msg)[packet.LengthSize:])
		frame, ok, err := c.prepare(ctx, packet.Outgoing, msg)
		if err != nil {
			return err
		}
		if ok {
			forward = append(forward, frame)
		}
	}

	cipher = result.Cipher
	if err := c.toServer.release(cipher, forward); err != nil {
		return fmt.Errorf("failed to write recovered frames: %w", err)
	}
	c.keys.Store(&keyPair{cipher: result.Cipher, decipher: result.Decipher})
	return nil
}

// loadCatalog fetches message metadata using the client URL carried by the
// first ciphered frame. Every keyed connection loads it, since a new session
// may come from a different client build.
func (c *Connection) loadCatalog(ctx context.Context, logger *zap.Logger, first *packet.Message) {
	if c.ic.loader == nil {
		return
	}

	clientURL, err := first.ReadString(4)
	if err != nil {
		logger.Warn("Could not read client URL", zap.Uint16("message_id", first.ID), zap.Error(err))
		return
	}

	loadCtx := ctx
	if timeout := c.ic.config.CatalogTimeout; timeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tables, err := c.ic.loader.Load(loadCtx, clientURL)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn("Failed to load message catalog", zap.String("client_url", clientURL), zap.Error(err))
		}
		return
	}
	c.ic.catalog.Install(tables)

	in, out := tables.Count()
	logger.Info("Message catalog loaded",
		zap.String("client_url", clientURL),
		zap.Int("incoming", in),
		zap.Int("outgoing", out))
}
