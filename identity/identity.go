// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package identity holds a node's Ed25519 keypair: generation, PEM
// persistence, signing, and verification (§4.2). A node has exactly one
// keypair; establishing trust in a peer's public key is out of scope (§1) —
// the engine only checks that a bundle's signature matches the public key
// embedded in it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNotEd25519Key    = errors.New("not an ed25519 key")
)

// Identity is a node's Ed25519 keypair. It satisfies bundle.Signer.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a fresh Ed25519 keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 keypair: %w", err)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// Sign produces a detached Ed25519 signature over message. It satisfies
// bundle.Signer.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(id.priv, message), nil
}

// PublicKeyBytes returns the raw 32-byte Ed25519 public key. It satisfies
// bundle.Signer.
func (id *Identity) PublicKeyBytes() []byte {
	return append([]byte(nil), id.pub...)
}

// Fingerprint is a short, human-displayable identifier for the public key:
// the first 8 bytes of its SHA-256 hash, hex-encoded.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.pub)
}

// Fingerprint computes the short identifier for an arbitrary raw public key.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// Verify checks a detached signature against an arbitrary raw public key,
// typically one embedded in a received bundle. It does not vouch for the
// key's owner.
func Verify(pub, message, signature []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrNotEd25519Key
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Save writes the private key to path in PKCS8 PEM form, creating parent
// directories as needed and restricting the file to owner read/write only —
// it is the one piece of durable secret material the engine holds.
func (id *Identity) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.priv)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("writing key file %s: %w", path, err)
	}
	return nil
}

// Load reads a PKCS8 PEM-encoded Ed25519 private key from path.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: not a valid PEM file", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key in %s: %w", path, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotEd25519Key)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotEd25519Key)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// LoadOrGenerate loads the keypair at path, generating and persisting a new
// one if the file does not yet exist. This is the path every node takes on
// first start (§6 key_path configuration knob).
func LoadOrGenerate(path string) (*Identity, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := id.Save(path); err != nil {
			return nil, err
		}
		return id, nil
	}
	return Load(path)
}
