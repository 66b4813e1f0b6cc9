// Package domain holds the two persisted entities of the key lifecycle
// engine: KeyRecord and UserIdBinding.
package domain

import "time"

// KeyRecord is the server-side record of one submitted OpenPGP certificate.
//
// A KeyRecord is created by KeyService.Submit and never mutated in place
// afterwards, except by wholesale replacement on resubmission of a key that
// has no verified bindings yet.
type KeyRecord struct {
	KeyID       string    `json:"keyId"`
	Fingerprint string    `json:"fingerprint"`
	Algorithm   string    `json:"algorithm"`
	KeySize     int       `json:"keySize"`
	Created     time.Time `json:"created"`
	Armored     string    `json:"armored"`
	// UserIDs lists the lowercased emails bound to this key, in the order
	// the certificate presented them. The authoritative per-email state
	// lives in the userid collection; this is a display-order hint only.
	UserIDs []string `json:"userIds"`
}

// UserIdBinding is the server-side verification state of one user ID.
//
// Nonce is non-empty iff the binding is currently awaiting a challenge
// response; it is cleared in the same atomic update that flips Verified.
type UserIdBinding struct {
	KeyID    string `json:"keyId"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Nonce    string `json:"nonce,omitempty"`
	Verified bool   `json:"verified"`
}
