// Package keysource supplies the raw seed material the key recovery starts
// from. Reading the client's memory is done by an external tool; these
// sources only pick up what it produced.
package keysource

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoKey means the source has nothing to offer yet.
var ErrNoKey = errors.New("keysource: no key available")

// Source returns a raw key guess, or ErrNoKey.
type Source interface {
	TryExtractRawKey(ctx context.Context) ([]byte, error)
}

// Static always returns the same seed.
type Static struct {
	seed []byte
}

func NewStatic(seed []byte) *Static {
	return &Static{seed: append([]byte(nil), seed...)}
}

// NewStaticHex decodes a hex seed, tolerating whitespace and separators.
func NewStaticHex(s string) (*Static, error) {
	seed, err := decodeHex(s)
	if err != nil {
		return nil, err
	}
	return NewStatic(seed), nil
}

func (s *Static) TryExtractRawKey(_ context.Context) ([]byte, error) {
	if len(s.seed) == 0 {
		return nil, ErrNoKey
	}
	return append([]byte(nil), s.seed...), nil
}

// File reads a hex seed from Path each time it is asked, so a scraper can
// drop the key there while the client is already connecting.
type File struct {
	Path string
}

func (f *File) TryExtractRawKey(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	seed, err := decodeHex(string(data))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", f.Path, err)
	}
	if len(seed) == 0 {
		return nil, ErrNoKey
	}
	return seed, nil
}

// Chain tries each source in order and returns the first key found.
type Chain []Source

func (c Chain) TryExtractRawKey(ctx context.Context) ([]byte, error) {
	var errs []error
	for _, s := range c {
		seed, err := s.TryExtractRawKey(ctx)
		if err == nil {
			return seed, nil
		}
		if !errors.Is(err, ErrNoKey) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, ErrNoKey
}

func decodeHex(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t', ':', '-':
			return -1
		}
		return r
	}, s)
	cleaned = strings.TrimPrefix(strings.TrimPrefix(cleaned, "0x"), "0X")
	out, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return out, nil
}
