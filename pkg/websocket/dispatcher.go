package websocket

import "context"

// Handler is the interface for WebSocket frame handlers.
type Handler interface {
	// Handle processes an incoming frame. A non-nil return is reported
	// back to the client as an error frame.
	Handle(ctx context.Context, frame *Frame) error
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, frame *Frame) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, frame *Frame) error {
	return f(ctx, frame)
}

// Dispatcher routes incoming frames to handlers based on the type field.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new frame dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for a frame type.
func (d *Dispatcher) Register(frameType string, handler Handler) {
	d.handlers[frameType] = handler
}

// RegisterFunc registers a handler function for a frame type.
func (d *Dispatcher) RegisterFunc(frameType string, handler HandlerFunc) {
	d.handlers[frameType] = handler
}

// Dispatch routes a frame to the appropriate handler. Frames with no
// registered handler are ignored, matching the protocol's tolerance for
// newer clients.
func (d *Dispatcher) Dispatch(ctx context.Context, frame *Frame) error {
	handler, ok := d.handlers[frame.Type]
	if !ok {
		return nil
	}
	return handler.Handle(ctx, frame)
}

// HasHandler returns true if a handler is registered for the frame type.
func (d *Dispatcher) HasHandler(frameType string) bool {
	_, ok := d.handlers[frameType]
	return ok
}
