// Package dbname derives database names from an owner public key.
//
// A database name has the form '<name>-<public key hex>'. The public key
// suffix has a fixed length so the name may itself contain '-'.
package dbname

import (
	"encoding/hex"
	"fmt"
	"unicode"

	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/pkg/identity"
)

const (
	separator = "-"
	suffixLen = identity.PublicKeyLength * 2
)

// Generate returns the database name of name owned by publicKey.
func Generate(name string, publicKey []byte) string {
	return name + separator + hex.EncodeToString(publicKey)
}

// Extract returns the name component of the database name.
func Extract(dbName string) (string, error) {
	name, pubHex, ok := split(dbName)
	if !ok {
		return "", fmt.Errorf("%q: %w", dbName, errdefs.ErrMalformedDbName)
	}
	if !validName(name) || !validKeyHex(pubHex) {
		return "", fmt.Errorf("%q: %w", dbName, errdefs.ErrMalformedDbName)
	}
	return name, nil
}

// Owner returns the hex public key of the database owner.
func Owner(dbName string) (string, error) {
	name, pubHex, ok := split(dbName)
	if !ok || !validName(name) || !validKeyHex(pubHex) {
		return "", fmt.Errorf("%q: %w", dbName, errdefs.ErrMalformedDbName)
	}
	return pubHex, nil
}

// Verify returns whether dbName was generated from publicKey.
func Verify(dbName string, publicKey []byte) bool {
	if len(publicKey) != identity.PublicKeyLength {
		return false
	}
	name, pubHex, ok := split(dbName)
	if !ok || !validName(name) || !validKeyHex(pubHex) {
		return false
	}
	return pubHex == hex.EncodeToString(publicKey)
}

// VerifyHex is the same as Verify except the public key is hex encoded.
func VerifyHex(dbName string, publicKey string) bool {
	pub, err := hex.DecodeString(publicKey)
	if err != nil {
		return false
	}
	return Verify(dbName, pub)
}

func split(dbName string) (string, string, bool) {
	if len(dbName) < suffixLen+len(separator)+1 {
		return "", "", false
	}
	sepIdx := len(dbName) - suffixLen - len(separator)
	if dbName[sepIdx:sepIdx+len(separator)] != separator {
		return "", "", false
	}
	return dbName[:sepIdx], dbName[sepIdx+len(separator):], true
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// validKeyHex returns whether s is a lowercase hex public key, the only form
// Generate produces.
func validKeyHex(s string) bool {
	if len(s) != suffixLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
