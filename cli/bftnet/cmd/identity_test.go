package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bftnet/bftnet/network"
)

func TestIdentity(t *testing.T) {
	homeDir := t.TempDir()
	keyFile := filepath.Join(homeDir, defaultKeysFileName)

	out, err := runCmd(t, homeDir, "identity")
	require.NoError(t, err)
	require.FileExists(t, keyFile)

	keys, err := LoadKeys(keyFile, false, false)
	require.NoError(t, err)
	pubKey, err := keys.PublicKey()
	require.NoError(t, err)
	expected := fmt.Sprintf("Author: %s\nPublic key: 0x%s\n", keys.Signer.Author, hex.EncodeToString(pubKey))
	require.Equal(t, expected, out)

	t.Run("existing key is reused", func(t *testing.T) {
		out, err := runCmd(t, homeDir, "identity")
		require.NoError(t, err)
		require.Equal(t, expected, out)
	})

	t.Run("force generates new key", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "keys.json")
		require.NoError(t, keys.WriteTo(file))
		out, err := runCmd(t, homeDir, "identity", "-k", file, "--force")
		require.NoError(t, err)
		require.NotEqual(t, expected, out)

		newKeys, err := LoadKeys(file, false, false)
		require.NoError(t, err)
		require.NotEqual(t, keys.Signer.Author, newKeys.Signer.Author)
	})

	t.Run("invalid key file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "keys.json")
		require.NoError(t, os.WriteFile(file, []byte("not json"), 0600))
		_, err := runCmd(t, homeDir, "identity", "--key-file", file)
		require.ErrorContains(t, err, fmt.Sprintf("failed to load keys %s: decoding keys file", file))
	})
}

func TestLoadKeys(t *testing.T) {
	dir := t.TempDir()

	t.Run("not found", func(t *testing.T) {
		file := filepath.Join(dir, "missing.json")
		keys, err := LoadKeys(file, false, false)
		require.EqualError(t, err, fmt.Sprintf("keys file %s not found", file))
		require.Nil(t, keys)
		require.NoFileExists(t, file)
	})

	t.Run("generate creates intermediate dirs", func(t *testing.T) {
		file := filepath.Join(dir, "a", "b", "keys.json")
		keys, err := LoadKeys(file, true, false)
		require.NoError(t, err)
		require.NotEmpty(t, keys.Signer.Author)

		fi, err := os.Stat(file)
		require.NoError(t, err)
		require.EqualValues(t, 0600, fi.Mode().Perm())

		loaded, err := LoadKeys(file, true, false)
		require.NoError(t, err)
		require.Equal(t, keys.Signer.Author, loaded.Signer.Author)
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		file := filepath.Join(dir, "ed25519.json")
		require.NoError(t, os.WriteFile(file, []byte(`{"algorithm":"ed25519","privateKey":"0x01"}`), 0600))
		_, err := LoadKeys(file, false, false)
		require.EqualError(t, err, "signing key algorithm ed25519 is not supported")
	})

	t.Run("invalid private key", func(t *testing.T) {
		file := filepath.Join(dir, "short.json")
		require.NoError(t, os.WriteFile(file, []byte(`{"algorithm":"secp256k1","privateKey":"0x0102"}`), 0600))
		_, err := LoadKeys(file, false, false)
		require.EqualError(t, err, "invalid private key length 2, expected 32")

		require.NoError(t, os.WriteFile(file, []byte(`{"algorithm":"secp256k1","privateKey":"0x"}`), 0600))
		_, err = LoadKeys(file, false, false)
		require.EqualError(t, err, "decoding private key: empty hex string")
	})
}

func TestKeys_PeerKeyPair(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)
	kp, err := keys.PeerKeyPair()
	require.NoError(t, err)

	pubKey, err := keys.PublicKey()
	require.NoError(t, err)
	require.Equal(t, pubKey, kp.PublicKey)

	// p2p identity of the node is the same as the author of it's consensus messages
	id, err := network.NodeIDFromPublicKeyBytes(kp.PublicKey)
	require.NoError(t, err)
	require.Equal(t, keys.Signer.Author, id)
}
