package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrInvalidInput       = errors.New("invalid input")
	ErrQuotaExceeded      = errors.New("conversation storage quota exceeded")
	ErrConversationClosed = errors.New("conversation is closed")
	ErrNotActive          = errors.New("conversation is not active")
	ErrForeignPeer        = errors.New("payload from a peer not bound to the conversation")
	ErrUnknownPayload     = errors.New("unknown payload type")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrDatabaseConnection = errors.New("database connection error")
)
