// Package crypto provides the cryptography behind Flic pairing and link
// verification: ECDH P-256 key agreement with compressed public keys,
// HKDF-SHA256 derivation of the pairing material, and the HMAC-SHA256
// challenge that proves a button still holds that material.
package crypto

import (
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/chaz8081/flicd/internal/ble"
	"github.com/chaz8081/flicd/internal/button"
)

const (
	// MaterialSize is the length of the stored pairing material.
	MaterialSize = 32
	// NonceSize is the length of verification nonces.
	NonceSize = 16
	// TagSize is the length of a verification tag.
	TagSize = 16

	pairingInfo = "flic pairing"
	verifyLabel = "verify"
)

// GenerateKeyPair creates a new ECDH P-256 key pair for pairing.
func GenerateKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("ble/crypto: generate key: %w", err)
	}
	return priv, priv.PublicKey(), nil
}

// CompressPublicKey returns the 33-byte SEC1 compressed form of a P-256 public key.
func CompressPublicKey(pub *ecdh.PublicKey) []byte {
	raw := pub.Bytes() // 0x04 || x || y
	compressed := make([]byte, 33)
	compressed[0] = 0x02 | raw[64]&1
	copy(compressed[1:], raw[1:33])
	return compressed
}

// ParseCompressedPublicKey parses a 33-byte SEC1 compressed P-256 public key.
func ParseCompressedPublicKey(data []byte) (*ecdh.PublicKey, error) {
	if len(data) != 33 {
		return nil, fmt.Errorf("ble/crypto: compressed key must be 33 bytes, got %d", len(data))
	}
	if data[0] != 0x02 && data[0] != 0x03 {
		return nil, fmt.Errorf("ble/crypto: invalid compression prefix: 0x%02x", data[0])
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), data)
	if x == nil {
		return nil, errors.New("ble/crypto: point decompression failed")
	}

	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	x.FillBytes(uncompressed[1:33])
	y.FillBytes(uncompressed[33:65])

	pub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: parse public key: %w", err)
	}
	return pub, nil
}

// DerivePairingMaterial performs ECDH with the button's public key and
// derives the material stored with the pairing record. The button's UUID
// salts the derivation so material is never shared between buttons.
func DerivePairingMaterial(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey, buttonUUID string) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: ECDH: %w", err)
	}
	r := hkdf.New(sha256.New, secret, []byte(buttonUUID), []byte(pairingInfo))
	material := make([]byte, MaterialSize)
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return material, nil
}

// NewNonce returns a random verification nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("ble/crypto: random nonce: %w", err)
	}
	return nonce, nil
}

// ComputeTag returns the tag a button holding material answers a challenge with.
func ComputeTag(material []byte, buttonUUID string, hostNonce, deviceNonce []byte) []byte {
	mac := hmac.New(sha256.New, material)
	mac.Write([]byte(verifyLabel))
	mac.Write([]byte(buttonUUID))
	mac.Write(hostNonce)
	mac.Write(deviceNonce)
	return mac.Sum(nil)[:TagSize]
}

// HMACVerifier checks verification challenges against the stored material.
type HMACVerifier struct{}

var _ ble.Verifier = HMACVerifier{}

func (HMACVerifier) Verify(id button.Identity, material []byte, ch ble.Challenge) ble.VerificationResult {
	if len(material) != MaterialSize || len(ch.HostNonce) != NonceSize || len(ch.DeviceNonce) != NonceSize {
		return ble.Reject
	}
	want := ComputeTag(material, id.UUID, ch.HostNonce, ch.DeviceNonce)
	if !hmac.Equal(want, ch.Tag) {
		return ble.Reject
	}
	return ble.Pass
}
