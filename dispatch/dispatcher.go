// Package dispatch broadcasts decoded messages to an ordered list of
// handlers, isolating each handler's failures from the others and from the
// relay.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"gamerelay/packet"

	"go.uber.org/zap"
)

// Handler inspects and may mutate, block or invalidate a message.
type Handler interface {
	HandleMessage(ctx context.Context, m *packet.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m *packet.Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, m *packet.Message) error {
	return f(ctx, m)
}

// PanicError is reported when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

type registration struct {
	id      uint64
	handler Handler
}

// Dispatcher holds the handlers for one traffic direction. Registration is
// safe while messages are being dispatched; a dispatch sees the handler list
// as it was when the dispatch started.
type Dispatcher struct {
	direction packet.Direction
	logger    *zap.Logger

	mu       sync.RWMutex
	handlers []registration
	nextID   uint64
}

func New(direction packet.Direction, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		direction: direction,
		logger:    logger.With(zap.String("component", "dispatcher"), zap.Stringer("direction", direction)),
	}
}

// Register appends h to the handler list and returns a function that
// removes it again.
func (d *Dispatcher) Register(h Handler) (unregister func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.handlers = append(d.handlers, registration{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(id) })
	}
}

// RegisterFunc is Register for plain functions.
func (d *Dispatcher) RegisterFunc(f func(ctx context.Context, m *packet.Message) error) (unregister func()) {
	return d.Register(HandlerFunc(f))
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.handlers {
		if r.id == id {
			d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Notify runs every handler in registration order on m. A failing handler is
// logged and skipped. Notification stops early once a handler invalidates
// the message. The return value is whether m may be forwarded.
func (d *Dispatcher) Notify(ctx context.Context, m *packet.Message) bool {
	d.mu.RLock()
	handlers := make([]registration, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for i, r := range handlers {
		if !m.Valid() {
			break
		}
		if err := d.invoke(ctx, r.handler, m); err != nil {
			d.logger.Warn("Packet handler failed",
				zap.Int("handler_index", i),
				zap.Uint16("message_id", m.ID),
				zap.Error(err))
		}
	}
	return m.Forwardable()
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, m *packet.Message) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return h.HandleMessage(ctx, m)
}
