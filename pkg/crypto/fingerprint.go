// Package crypto derives display fingerprints for client public keys. The
// relay never interprets keys; fingerprints only make them comparable in
// logs and the admin API.
package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
)

// ShortFingerprintLen is the number of hex characters in a short fingerprint
const ShortFingerprintLen = 16

// Fingerprint returns the hex BLAKE2b-256 digest of a public key
func Fingerprint(key protocol.PublicKey) string {
	sum := blake2b.Sum256(key[:])
	return hex.EncodeToString(sum[:])
}

// ShortFingerprint returns the leading ShortFingerprintLen characters of
// Fingerprint, as written to the relay log
func ShortFingerprint(key protocol.PublicKey) string {
	return Fingerprint(key)[:ShortFingerprintLen]
}
