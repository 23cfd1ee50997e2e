package domain

import "errors"

var (
	// ErrAuth marks a failed token exchange.
	ErrAuth = errors.New("auth error")
	// ErrTransport marks a connection or handshake failure.
	ErrTransport = errors.New("transport error")
	// ErrData marks a malformed or missing wire field.
	ErrData = errors.New("data error")
	// ErrNotFound marks a missing instrument, chain, quote or record.
	ErrNotFound = errors.New("not found")
	// ErrOrder marks a rejected order placement.
	ErrOrder = errors.New("order error")
)
