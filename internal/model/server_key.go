package model

import (
	"time"
)

// ServerKeyPair is the signing identity of one domain. PrivateKeyPEM may be
// sealed with the at-rest encryption key.
type ServerKeyPair struct {
	Domain             string     `db:"domain" json:"domain"`
	PrivateKeyPEM      string     `db:"private_key" json:"-"`
	PublicKeyPEM       string     `db:"public_key" json:"publicKey"`
	RotatedAt          time.Time  `db:"rotated_at" json:"rotatedAt"`
	PreviousPublicKey  *string    `db:"previous_public_key" json:"previousPublicKey,omitempty"`
	PreviousValidUntil *time.Time `db:"previous_valid_until" json:"previousValidUntil,omitempty"`
}
