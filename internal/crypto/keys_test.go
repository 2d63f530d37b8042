package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeypairFromSeed_Deterministic(t *testing.T) {
	seed := base64.StdEncoding.EncodeToString(make([]byte, ed25519.SeedSize))

	a, err := KeypairFromSeed(seed)
	require.NoError(t, err)
	b, err := KeypairFromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, a.PublicKey(), b.PublicKey())

	sig := a.Sign([]byte("digest"))
	assert.True(t, b.Verify([]byte("digest"), sig))
}

func TestKeypairFromSeed_Rejects(t *testing.T) {
	tests := []struct {
		name string
		seed string
	}{
		{"not base64", "%%%%"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := KeypairFromSeed(tt.seed)
			require.Error(t, err)
		})
	}
}

func TestLoadOrGenerate(t *testing.T) {
	t.Run("uses configured seed", func(t *testing.T) {
		seed := base64.StdEncoding.EncodeToString(make([]byte, ed25519.SeedSize))
		kp, err := LoadOrGenerate(seed, discardLogger())
		require.NoError(t, err)

		expected, err := KeypairFromSeed(seed)
		require.NoError(t, err)
		assert.Equal(t, expected.PublicKey(), kp.PublicKey())
	})

	t.Run("generates ephemeral keypair when unconfigured", func(t *testing.T) {
		a, err := LoadOrGenerate("", discardLogger())
		require.NoError(t, err)
		b, err := LoadOrGenerate("", discardLogger())
		require.NoError(t, err)
		assert.NotEqual(t, a.PublicKey(), b.PublicKey())
	})
}
