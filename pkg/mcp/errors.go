package mcp

import "errors"

var (
	ErrToolNotFound         = errors.New("tool not found")
	ErrResourceNotFound     = errors.New("resource not found")
	ErrServerNotConnected   = errors.New("server not connected")
	ErrServerRetired        = errors.New("server retired")
	ErrUnknownServer        = errors.New("unknown server")
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrRequestTimeout       = errors.New("request timed out")
	ErrTransportClosed      = errors.New("transport closed")
	ErrManagerClosed        = errors.New("manager is shut down")
)
