package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the length of derived session keys.
const SessionKeySize = 32

var sessionKeyInfo = []byte("skinparty-session-v1")

// DeriveSessionKey expands an ECDH secret into a symmetric key. Peer ids are sorted so both sides
// derive the same key regardless of who dialed.
func DeriveSessionKey(sharedSecret []byte, localID, peerID string) ([]byte, error) {
	return DeriveSessionKeyWithContext(sharedSecret, localID, peerID, nil)
}

// DeriveSessionKeyWithContext is DeriveSessionKey with extra salt bound into the key, such as a
// handshake nonce.
func DeriveSessionKeyWithContext(sharedSecret []byte, localID, peerID string, context []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}

	ids := []string{localID, peerID}
	sort.Strings(ids)
	info := make([]byte, 0, len(sessionKeyInfo)+len(ids[0])+len(ids[1])+2)
	info = append(info, sessionKeyInfo...)
	info = append(info, '|')
	info = append(info, ids[0]...)
	info = append(info, '|')
	info = append(info, ids[1]...)

	reader := hkdf.New(sha256.New, sharedSecret, context, info)
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
