// Package push defines the live-update capability the message pipeline
// publishes through. Delivery is fire-and-forget: events to a disconnected
// or unknown handle are dropped, the message stays in storage either way.
package push

// Event names published by the message pipeline.
const (
	EventNewMessage    = "new-message"
	EventMessageStop   = "message-stop"
	EventMessageUpdate = "message-update"
	EventMessageDelete = "message-delete"
	EventMessageStart  = "message-start"
)

// Channel emits a named event with a payload to one connection handle.
type Channel interface {
	Emit(handle, event string, payload any)
}

// Nop discards every event. Useful when no live layer is wired.
type Nop struct{}

func (Nop) Emit(string, string, any) {}
