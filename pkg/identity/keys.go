package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// GenerateKeypair creates a fresh ed25519 keypair from the OS RNG.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("key generation failed: %w", err)
	}
	return pub, priv, nil
}

// DeriveKeypair deterministically derives an agent keypair from a node
// master seed and the agent address via HKDF-SHA256. Nodes provision agent
// keys without storing one secret per agent; the same (seed, address) pair
// always yields the same key.
func DeriveKeypair(masterSeed []byte, addr Address) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if len(masterSeed) < 32 {
		return nil, nil, fmt.Errorf("master seed too short: %d bytes", len(masterSeed))
	}
	kdf := hkdf.New(sha256.New, masterSeed, []byte("openi-fabric/v1"), []byte(addr.String()))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, nil, fmt.Errorf("key derivation failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}
