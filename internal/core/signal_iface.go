package core

// Frame is a raw control-channel payload.
type Frame []byte

// SignalConnection abstracts the control-channel transport of one connection.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
