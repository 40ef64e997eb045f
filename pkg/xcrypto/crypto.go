// Package xcrypto implements C16 CryptoPrimitives: Ed25519 signing,
// keyed short-hash for shard routing, and the commitment hash function
// shared by the authenticated trie and block header.
package xcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

// KeyPair holds an Ed25519 key pair.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKey creates a fresh random Ed25519 key pair.
func GenerateKey() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("xcrypto: generate key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// KeyFromSeed deterministically derives a key pair from a 32-byte seed,
// used by experiment/replay harnesses that need reproducible identities
// (spec §4.16).
func KeyFromSeed(seed [32]byte) *KeyPair {
	priv := ed25519.NewKeyFromSeed(seed[:])
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}
}

// SignDetached signs msg and returns the 64-byte detached signature.
func (kp *KeyPair) SignDetached(msg []byte) [64]byte {
	var out [64]byte
	copy(out[:], ed25519.Sign(kp.Private, msg))
	return out
}

// VerifyDetached verifies a 64-byte detached signature under pub.
func VerifyDetached(pub ed25519.PublicKey, msg []byte, sig [64]byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig[:])
}

// ShardHashKey is the process-wide keyed-hash key used for account shard
// routing. It must be chosen once at genesis and persisted forever
// (spec §4.4): callers obtain it from AccountDatabase, never regenerate it
// independently.
type ShardHashKey [32]byte

// NewShardHashKey generates a fresh random key, to be called exactly once
// at genesis.
func NewShardHashKey() (ShardHashKey, error) {
	var k ShardHashKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("xcrypto: generate shard hash key: %w", err)
	}
	return k, nil
}

// ShortHash computes an 8-byte keyed hash of data under key, used to route
// AccountIDs to database shards (spec §4.4). blake3's keyed mode plays the
// role spec §4.16 assigns to a "SipHash-family" keyed short-hash.
func ShortHash(key ShardHashKey, data []byte) uint64 {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// blake3.NewKeyed only fails on a key of the wrong length, which
		// ShardHashKey's fixed size makes impossible.
		panic(err)
	}
	h.Write(data)
	sum := h.Sum(nil)[:8]
	var out uint64
	for _, b := range sum {
		out = out<<8 | uint64(b)
	}
	return out
}

// CommitmentHash is the hash function used for Merkle trie nodes and block
// header commitments (spec §3, §6). Keccak256 is wired from go-ethereum,
// the teacher's own hashing primitive, rather than introduced fresh.
func CommitmentHash(parts ...[]byte) [32]byte {
	return ethcrypto.Keccak256Hash(parts...)
}
