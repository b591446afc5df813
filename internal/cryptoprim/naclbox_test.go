package cryptoprim_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"webdht/internal/cryptoprim"
)

func TestNaClBoxRoundTrip(t *testing.T) {
	c := cryptoprim.NewNaClBox()
	kp, err := c.GenerateRandomPair()
	require.NoError(t, err)

	plaintext := []byte("hello from a PRIVATE record")
	env, err := c.EncryptMessageWithMeta(map[string][32]byte{"owner": kp.PublicKey}, plaintext)
	require.NoError(t, err)
	require.Len(t, env.Seals, 1)
	seal := env.Seals["owner"]
	require.NotEmpty(t, seal.CT)
	require.Len(t, seal.IV, 24)
	require.Len(t, seal.EPub, 32)

	decrypted, err := c.DecryptMessageWithMeta("owner", kp, env)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestNaClBoxRejectsWrongKey(t *testing.T) {
	c := cryptoprim.NewNaClBox()
	kp1, err := c.GenerateRandomPair()
	require.NoError(t, err)
	kp2, err := c.GenerateRandomPair()
	require.NoError(t, err)

	env, err := c.EncryptMessageWithMeta(map[string][32]byte{"owner": kp1.PublicKey}, []byte("secret"))
	require.NoError(t, err)

	_, err = c.DecryptMessageWithMeta("owner", kp2, env)
	require.Error(t, err)
}

func TestNaClBoxMultiRecipientSharing(t *testing.T) {
	c := cryptoprim.NewNaClBox()
	owner, err := c.GenerateRandomPair()
	require.NoError(t, err)
	grantee, err := c.GenerateRandomPair()
	require.NoError(t, err)
	stranger, err := c.GenerateRandomPair()
	require.NoError(t, err)

	plaintext := []byte("shared with one grantee")
	env, err := c.EncryptMessageWithMeta(map[string][32]byte{
		"owner":   owner.PublicKey,
		"grantee": grantee.PublicKey,
	}, plaintext)
	require.NoError(t, err)
	require.Len(t, env.Seals, 2)

	got, err := c.DecryptMessageWithMeta("owner", owner, env)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	got, err = c.DecryptMessageWithMeta("grantee", grantee, env)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	_, err = c.DecryptMessageWithMeta("stranger", stranger, env)
	require.Error(t, err)
}
