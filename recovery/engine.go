// Package recovery reconstructs the client's cipher state from a table
// captured mid-stream and the first ciphertext bytes the client sent.
//
// The captured table is the client's state after it enciphered the sample,
// but its cursor (X, Y) is unknown. Every (X0, Y0) pair is tried in order;
// a pair is accepted when rolling the candidate back by len(sample) lands on
// the canonical start (0, 0) and deciphering the sample from that start
// yields at least one well-formed frame.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gamerelay/packet"
	"gamerelay/rc4"

	"go.uber.org/zap"
)

var (
	ErrNoCandidate = errors.New("recovery: no cursor produced a parsable sample")
	ErrEmptySample = errors.New("recovery: empty ciphertext sample")
)

// Result is a recovered cipher pair for one connection.
type Result struct {
	// X0, Y0 is the cursor of the captured table at capture time.
	X0, Y0 byte

	// Cipher starts at the canonical state. Re-enciphering the recovered
	// frames towards the server brings it level with the client.
	Cipher *rc4.Key
	// Decipher is positioned right after the sample and deciphers the
	// client bytes that follow it.
	Decipher *rc4.Key

	// Frames are the complete frames deciphered from the sample, in order.
	Frames []*packet.Message
	// Remainder is deciphered plaintext after the last complete frame.
	Remainder []byte

	Trials   int
	Duration time.Duration
}

// Engine runs the exhaustive cursor search.
type Engine struct {
	maxFrameLength int
	logger         *zap.Logger
}

func NewEngine(maxFrameLength int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		maxFrameLength: maxFrameLength,
		logger:         logger.With(zap.String("component", "key_recovery")),
	}
}

// SeedKey turns raw seed material into a cipher table. A 256 byte
// permutation is taken as a captured table; anything else is run through
// the standard key schedule.
func SeedKey(raw []byte) (*rc4.Key, error) {
	if rc4.IsPermutation(raw) {
		return rc4.FromTable(raw, 0, 0)
	}
	return rc4.NewKey(raw)
}

// Recover searches all 65,536 cursors in (i, j) order and returns the first
// one that satisfies both the cursor and the parse condition.
func (e *Engine) Recover(ctx context.Context, seed *rc4.Key, sample []byte) (*Result, error) {
	if len(sample) == 0 {
		return nil, ErrEmptySample
	}

	start := time.Now()
	n := len(sample)
	plain := make([]byte, n)
	trials := 0

	for i := 0; i < rc4.TableSize; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("recovery cancelled after %d trials: %w", trials, err)
		}

		// Reversing n bytes moves X back by exactly n, so only one i can
		// reach X=0.
		if byte(i-n) != 0 {
			trials += rc4.TableSize
			continue
		}

		for j := 0; j < rc4.TableSize; j++ {
			trials++
			candidate := seed.CopyAt(byte(i), byte(j))
			initial := candidate.Copy()
			initial.Reverse(n)
			if initial.X() != 0 || initial.Y() != 0 {
				continue
			}

			decipher := initial.Copy()
			copy(plain, sample)
			decipher.Cipher(plain)

			frames, rest := packet.Parse(plain, e.maxFrameLength)
			if len(frames) == 0 {
				e.logger.Debug("Cursor matched but sample did not parse",
					zap.Int("x0", i), zap.Int("y0", j))
				continue
			}

			result := &Result{
				X0:        byte(i),
				Y0:        byte(j),
				Cipher:    initial,
				Decipher:  decipher,
				Frames:    frames,
				Remainder: append([]byte(nil), rest...),
				Trials:    trials,
				Duration:  time.Since(start),
			}
			e.logger.Info("Recovered cipher state",
				zap.Int("x0", i),
				zap.Int("y0", j),
				zap.Int("frames", len(frames)),
				zap.Int("remainder", len(rest)),
				zap.Int("trials", trials),
				zap.Duration("duration", result.Duration))
			return result, nil
		}
	}

	e.logger.Debug("Exhausted cursor space",
		zap.Int("trials", trials),
		zap.Int("sample_size", n),
		zap.Duration("duration", time.Since(start)))
	return nil, ErrNoCandidate
}
