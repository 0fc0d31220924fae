package crypto_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gochat-core/gochat/internal/crypto"
)

func testKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := crypto.NewSealer(testKey())
	participants := []string{"bob", "alice"}

	raw, err := s.Seal(participants, "hello")
	require.NoError(t, err)

	var env crypto.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.NotEmpty(t, env.Ciphertext)
	assert.NotEmpty(t, env.Nonce)

	plaintext, wasEnvelope, err := s.Open(participants, string(raw))
	require.NoError(t, err)
	assert.True(t, wasEnvelope)
	assert.Equal(t, "hello", plaintext)
}

func TestDeriveConversationKeyIsOrderIndependent(t *testing.T) {
	s := crypto.NewSealer(testKey())
	k1 := s.DeriveConversationKey([]string{"alice", "bob"})
	k2 := s.DeriveConversationKey([]string{"bob", "alice"})
	assert.Equal(t, k1, k2)
}

func TestOpenToleratesLegacyPlaintext(t *testing.T) {
	s := crypto.NewSealer(testKey())
	plaintext, wasEnvelope, err := s.Open([]string{"alice", "bob"}, "hi from before the envelope existed")
	require.NoError(t, err)
	assert.False(t, wasEnvelope)
	assert.Equal(t, "hi from before the envelope existed", plaintext)
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	s := crypto.NewSealer(testKey())
	participants := []string{"alice", "bob"}

	raw, err := s.Seal(participants, "secret")
	require.NoError(t, err)

	var env crypto.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	// Flip the envelope's stored ciphertext to a different validly-encoded
	// value so it still parses as JSON but no longer authenticates.
	env.Ciphertext = env.Nonce + env.Ciphertext[:4]
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, wasEnvelope, err := s.Open(participants, string(tampered))
	assert.True(t, wasEnvelope)
	assert.Error(t, err)
}

func TestOpenFailsUnderWrongParticipantSet(t *testing.T) {
	s := crypto.NewSealer(testKey())
	raw, err := s.Seal([]string{"alice", "bob"}, "secret")
	require.NoError(t, err)

	_, wasEnvelope, err := s.Open([]string{"alice", "carol"}, string(raw))
	assert.True(t, wasEnvelope)
	assert.Error(t, err)
}
