package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it when event output is not wanted:
//
//	mgr := batch.NewManager(st, proc, emit.NewNullEmitter())
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
//
// Safe for concurrent use, zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event without any processing.
func (n *NullEmitter) Emit(event Event) {
	// No-op: discard the event
}
