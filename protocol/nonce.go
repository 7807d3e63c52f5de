package protocol

import "github.com/google/uuid"

// Nonce correlates a request with its response.
type Nonce string

// NewNonce returns a fresh random nonce.
func NewNonce() Nonce {
	return Nonce(uuid.NewString())
}
