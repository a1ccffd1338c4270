// Package channel decodes method-channel calls coming from mobile clients
// and routes them to handlers.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MethodProcessImage is the only method the face detector plugin answers.
const MethodProcessImage = "FaceDetector#processImage"

// ErrNotImplemented is returned for methods without a handler.
var ErrNotImplemented = errors.New("method not implemented")

// Call is one method invocation. Arguments is the decoded argument map.
type Call struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments"`
}

// Handler answers one method.
type Handler func(ctx context.Context, call *Call) (any, error)

// Dispatcher maps method names to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger.Named("channel"),
	}
}

// Handle registers h for method, replacing any earlier handler.
func (d *Dispatcher) Handle(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// Dispatch runs the handler registered for call.Method.
func (d *Dispatcher) Dispatch(ctx context.Context, call *Call) (any, error) {
	if call == nil {
		return nil, fmt.Errorf("%w: empty call", ErrNotImplemented)
	}
	d.mu.RLock()
	h, ok := d.handlers[call.Method]
	d.mu.RUnlock()
	if !ok {
		d.logger.Debug("no handler for method", zap.String("method", call.Method))
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, call.Method)
	}
	return h(ctx, call)
}
