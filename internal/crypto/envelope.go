// Package crypto implements the storage-envelope cryptography of spec §4.5:
// deterministic per-conversation key derivation from a master key and the
// participant set, and AES-256-GCM authenticated encryption of message
// bodies with a fresh random nonce per message.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// participantSeparator is part of the on-wire key-derivation contract
// (spec §4.5): changing it silently invalidates every stored ciphertext and
// must be treated as a key rotation, never a casual code change.
const participantSeparator = "|"

// Envelope is the JSON shape persisted in the `content` column of both
// message tables (spec §3, §4.5, §6).
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// Sealer derives conversation keys from a fixed 32-byte master key and seals
// / opens message bodies under AES-256-GCM.
type Sealer struct {
	masterKey [32]byte
}

// NewSealer builds a Sealer over masterKey, which must be the exact 32-byte
// key loaded at boot (spec §4.5, §6).
func NewSealer(masterKey [32]byte) *Sealer {
	return &Sealer{masterKey: masterKey}
}

// DeriveConversationKey computes K_conv = SHA-256(master_key ||
// sort(participantIDs).join("|")). The sort order and separator are part of
// the wire contract and must be identical on writer and reader (spec §4.5).
func (s *Sealer) DeriveConversationKey(participantIDs []string) [32]byte {
	sorted := append([]string(nil), participantIDs...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write(s.masterKey[:])
	h.Write([]byte(strings.Join(sorted, participantSeparator)))

	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Seal encrypts plaintext under the conversation key derived from
// participantIDs and returns the JSON bytes to store in the `content`
// column.
func (s *Sealer) Seal(participantIDs []string, plaintext string) ([]byte, error) {
	key := s.DeriveConversationKey(participantIDs)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	env := Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}
	return json.Marshal(env)
}

// Open decrypts content under the conversation key derived from
// participantIDs. It returns (plaintext, true, nil) for a well-formed
// envelope, (content, false, nil) for legacy plaintext that does not parse
// as envelope JSON (spec §4.5 "legacy tolerance"), and a non-nil error only
// when the envelope parses but fails to authenticate — the caller is
// expected to substitute the "[DECRYPTION FAILED]" placeholder in that case
// (spec §4.4, §7).
func (s *Sealer) Open(participantIDs []string, content string) (plaintext string, wasEnvelope bool, err error) {
	var env Envelope
	if jsonErr := json.Unmarshal([]byte(content), &env); jsonErr != nil || env.Ciphertext == "" || env.Nonce == "" {
		return content, false, nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", true, fmt.Errorf("crypto: decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", true, fmt.Errorf("crypto: decode nonce: %w", err)
	}

	key := s.DeriveConversationKey(participantIDs)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", true, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", true, fmt.Errorf("crypto: new gcm: %w", err)
	}

	pt, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", true, fmt.Errorf("crypto: gcm open: %w", err)
	}
	return string(pt), true, nil
}

// DecryptionFailedPlaceholder is returned for rows whose envelope parses
// but fails authentication (tampered or wrong-key), per spec §4.4/§7.
const DecryptionFailedPlaceholder = "[DECRYPTION FAILED]"
