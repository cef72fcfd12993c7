package core

//go:generate mockgen -destination=mocks/signal_mock.go -package=mocks github.com/dkeye/jamvoice/internal/core SignalTransport

import "github.com/dkeye/jamvoice/internal/signaling"

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts one relay-side client socket.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalTransport is the agent-side channel to the relay. Send returns
// ErrSignalingNotReady while disconnected.
type SignalTransport interface {
	Send(msg *signaling.Message) error
	Connected() bool
}

// TransportListener receives transport lifecycle events and inbound messages.
type TransportListener interface {
	TransportUp()
	TransportDown()
	Deliver(msg *signaling.Message)
}
