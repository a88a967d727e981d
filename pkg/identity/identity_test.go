package identity

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberfly-io/flynode/pkg/errdefs"
)

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.Len(t, kp.PublicKey, PublicKeyLength)
	assert.Len(t, kp.SecretKey, SecretKeyLength)

	t.Run("ok", func(t *testing.T) {
		sig, err := Sign(kp.SecretKey, []byte("hello"))
		require.NoError(t, err)
		assert.Len(t, sig, SignatureLength)
		assert.True(t, Verify(kp.PublicKey, []byte("hello"), sig))
		assert.Equal(t, sig, kp.Sign([]byte("hello")))
	})

	t.Run("deterministic", func(t *testing.T) {
		sig1, err := Sign(kp.SecretKey, []byte("msg"))
		require.NoError(t, err)
		sig2, err := Sign(kp.SecretKey, []byte("msg"))
		require.NoError(t, err)
		assert.Equal(t, sig1, sig2)
	})

	t.Run("wrong message", func(t *testing.T) {
		sig := kp.Sign([]byte("hello"))
		assert.False(t, Verify(kp.PublicKey, []byte("world"), sig))
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := GenerateKeyPair()
		require.NoError(t, err)

		sig := other.Sign([]byte("hello"))
		assert.False(t, Verify(kp.PublicKey, []byte("hello"), sig))
	})

	t.Run("malformed", func(t *testing.T) {
		sig := kp.Sign([]byte("hello"))
		assert.False(t, Verify(kp.PublicKey[:10], []byte("hello"), sig))
		assert.False(t, Verify(kp.PublicKey, []byte("hello"), sig[:10]))
		assert.False(t, Verify(nil, nil, nil))
		assert.False(t, VerifyHex("zz", []byte("hello"), "zz"))
	})

	t.Run("hex", func(t *testing.T) {
		sig := kp.Sign([]byte("hello"))
		parsed, err := ParsePublicKey(kp.PublicKeyHex())
		require.NoError(t, err)
		assert.Equal(t, kp.PublicKey, parsed)

		assert.True(t, VerifyHex(
			kp.PublicKeyHex(), []byte("hello"), strings.ToUpper(hex.EncodeToString(sig)),
		))
	})

	t.Run("invalid secret key", func(t *testing.T) {
		_, err := Sign([]byte("short"), []byte("hello"))
		assert.ErrorIs(t, err, errdefs.ErrInvalidKeyFormat)
	})
}

func TestKeyPairFromSecretKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := KeyPairFromSecretKey(kp.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, derived.PublicKey)

	secret, err := ParseSecretKey(kp.SecretKeyHex())
	require.NoError(t, err)
	assert.Equal(t, kp.SecretKey, secret)

	_, err = ParseSecretKey("not-hex")
	assert.ErrorIs(t, err, errdefs.ErrInvalidKeyFormat)
}

func TestPeerID(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	t.Run("from secret key", func(t *testing.T) {
		id1, err := PeerIDFromSecretKey(kp.SecretKey)
		require.NoError(t, err)
		id2, err := PeerIDFromPublicKey(kp.PublicKey)
		require.NoError(t, err)

		assert.Equal(t, id1, id2)
		// ed25519 keys are inlined into the peer ID.
		assert.True(t, strings.HasPrefix(id1.String(), "12D3KooW"))
	})

	t.Run("distinct keys", func(t *testing.T) {
		other, err := GenerateKeyPair()
		require.NoError(t, err)

		id1, err := kp.PeerID()
		require.NoError(t, err)
		id2, err := other.PeerID()
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)
	})

	t.Run("invalid length", func(t *testing.T) {
		_, err := PeerIDFromSecretKey(make([]byte, 31))
		assert.ErrorIs(t, err, errdefs.ErrInvalidKeyFormat)
	})
}

func TestValidateTimestamp(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	tests := []struct {
		Name  string
		TS    time.Time
		Valid bool
	}{
		{"now", now, true},
		{"one hour ago", now.Add(-time.Hour), true},
		{"over one hour ago", now.Add(-time.Hour - time.Second), false},
		{"five minutes ahead", now.Add(5 * time.Minute), true},
		{"over five minutes ahead", now.Add(5*time.Minute + time.Second), false},
		{"zero", time.UnixMilli(0), false},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			err := ValidateTimestampAt(tt.TS.UnixMilli(), now)
			if tt.Valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errdefs.ErrTimestampOutOfRange)
			}
		})
	}
}
