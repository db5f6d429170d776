package relay

import "errors"

var (
	ErrTooManyPeers    = errors.New("relay: too many peers")
	ErrPeerIDExists    = errors.New("relay: peer id already exists")
	ErrPeerClosed      = errors.New("relay: peer closed")
	ErrSendQueueFull   = errors.New("relay: send queue full")
	ErrHandlerNotFound = errors.New("relay: handler not found")
	ErrHandlerExists   = errors.New("relay: handler already exists")
	ErrMuxFrozen       = errors.New("relay: mux is frozen")
	ErrEmptyType       = errors.New("relay: empty message type")
)
