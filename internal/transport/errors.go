package transport

import "errors"

var (
	ErrBind            = errors.New("bind failed")
	ErrConnect         = errors.New("connect failed")
	ErrHandshake       = errors.New("handshake failed")
	ErrNotEstablished  = errors.New("session not established")
	ErrSessionClosed   = errors.New("session closed")
	ErrEndpointClosed  = errors.New("endpoint closed")
	ErrAlreadyAccepted = errors.New("endpoint already accepted its session")
	ErrNotListening    = errors.New("endpoint is not listening")
)
