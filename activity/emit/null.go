package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it where tracing overhead is unwanted but an Emitter value is required.
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
