package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrPositionExists    = errors.New("position already exists")
	ErrInvalidTransition = errors.New("invalid position state transition")
	ErrUnmatchedFill     = errors.New("fill without matching pending intent")
	ErrPositionLimit     = errors.New("max concurrent positions reached")
	ErrSymbolFrozen      = errors.New("symbol frozen pending manual reconciliation")
	ErrGatewayRejected   = errors.New("order rejected by gateway")
	ErrLockHeld          = errors.New("instance lock held by another process")
	ErrContextDone       = errors.New("context cancelled")
)
