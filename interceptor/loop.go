package interceptor

import (
	"context"
	"errors"
	"io"
	"net"

	"gamerelay/packet"
	"gamerelay/shared"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const handshakeSettled = 5

// serve relays both directions until either side closes or ctx ends.
func (c *Connection) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(withConnection(ctx, c))
	stop := context.AfterFunc(gctx, c.Close)
	defer stop()

	g.Go(func() error {
		defer c.Close()
		return c.relay(gctx, packet.Outgoing)
	})
	g.Go(func() error {
		defer c.Close()
		return c.relay(gctx, packet.Incoming)
	})
	return g.Wait()
}

func (c *Connection) relay(ctx context.Context, dir packet.Direction) error {
	cfg := c.ic.config
	logger := shared.WithDirection(c.logger, dir.String())

	var src io.Reader = c.server
	if dir == packet.Outgoing {
		src = c.clientIn
	}
	frames := packet.NewReader(src, cfg.MaxFrameLength)

	for {
		if err := c.ic.controls.Wait(ctx, dir, cfg.PollInterval); err != nil {
			return nil
		}

		if dir == packet.Outgoing && !c.Keyed() && c.handshake < handshakeSettled {
			c.handshake++
			if c.handshake == 4 && !c.recoveryAttempted {
				c.recoveryAttempted = true
				if err := c.bootstrap(ctx); err != nil {
					return c.failure(ctx, logger, dir, PhaseRecovery, err)
				}
			}
		}

		payload, err := frames.ReadFrame()
		if err != nil {
			phase := PhaseRead
			var fe *packet.FormatError
			if errors.As(err, &fe) || errors.Is(err, packet.ErrFrameTooLarge) {
				phase = PhaseFraming
			}
			return c.failure(ctx, logger, dir, phase, err)
		}

		msg, err := packet.Decode(payload)
		if err != nil {
			return c.failure(ctx, logger, dir, PhaseFraming, err)
		}
		if dir == packet.Outgoing {
			c.framesOut.Add(1)
			if c.handshake == 1 && c.production.Load() == nil {
				c.captureProduction(logger, msg)
			}
		} else {
			c.framesIn.Add(1)
		}

		c.ic.catalog.Annotate(dir, msg)
		trace(logger, msg, payload)

		if err := c.send(ctx, dir, msg); err != nil {
			return c.failure(ctx, logger, dir, PhaseForward, err)
		}
	}
}

func (c *Connection) captureProduction(logger *zap.Logger, msg *packet.Message) {
	production, err := msg.ReadString(0)
	if err != nil {
		logger.Warn("Could not read client production", zap.Error(err))
		return
	}
	c.production.Store(&production)
	logger.Info("Client production", zap.String("production", production))
}

// failure turns a relay error into the loop's return value. Peer closes and
// shutdown end the loop quietly.
func (c *Connection) failure(ctx context.Context, logger *zap.Logger, dir packet.Direction, phase string, err error) error {
	if ctx.Err() != nil || isClosed(err) {
		logger.Debug("Peer closed", zap.String("phase", phase), zap.Error(err))
		return nil
	}
	return &RelayError{Direction: dir, Phase: phase, Cause: err}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrClosed)
}

func trace(logger *zap.Logger, msg *packet.Message, payload []byte) {
	ce := logger.Check(zap.DebugLevel, "Frame")
	if ce == nil {
		return
	}
	ce.Write(zap.Uint16("message_id", msg.ID),
		zap.Int("length", len(payload)),
		zap.String("hash", msg.Hash),
		zap.String("dump", packet.Dump(payload)))
}
