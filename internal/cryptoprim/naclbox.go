package cryptoprim

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// NaClBox implements Crypto using golang.org/x/crypto/nacl/box sealed-box
// semantics: an ephemeral keypair per seal, authenticated with
// Poly1305/XSalsa20, matching the {ct, iv, mac, epub} shape of spec §6
// closely enough that we split box's combined ciphertext+tag back into
// ct/mac on the wire for clarity.
type NaClBox struct{}

// NewNaClBox returns the default production Crypto adapter.
func NewNaClBox() NaClBox { return NaClBox{} }

func (NaClBox) GenerateRandomPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("cryptoprim: generate keypair: %w", err)
	}
	return KeyPair{PublicKey: *pub, PrivateKey: *priv}, nil
}

func (NaClBox) EncryptMessageWithMeta(recipients map[string][32]byte, plaintext []byte) (Envelope, error) {
	if len(recipients) == 0 {
		return Envelope{}, fmt.Errorf("cryptoprim: no recipients to seal for")
	}
	seals := make(map[string]Seal, len(recipients))
	for peer, pub := range recipients {
		seal, err := sealOne(pub, plaintext)
		if err != nil {
			return Envelope{}, fmt.Errorf("cryptoprim: seal for %s: %w", peer, err)
		}
		seals[peer] = seal
	}
	return Envelope{Seals: seals}, nil
}

// sealOne seals plaintext to a single recipient public key with a fresh
// ephemeral keypair and nonce — every recipient gets an independently
// encrypted copy, so revoking one peer's access never weakens another's.
func sealOne(recipientPub [32]byte, plaintext []byte) (Seal, error) {
	epub, epriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Seal{}, fmt.Errorf("generate ephemeral keypair: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Seal{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := box.Seal(nil, plaintext, &nonce, &recipientPub, epriv)
	// box.Seal appends a 16-byte Poly1305 tag to the ciphertext; split it
	// out so the wire envelope carries an explicit mac field.
	if len(sealed) < box.Overhead {
		return Seal{}, fmt.Errorf("sealed output shorter than overhead")
	}
	ct := sealed[:len(sealed)-box.Overhead]
	mac := sealed[len(sealed)-box.Overhead:]

	return Seal{
		CT:   ct,
		IV:   nonce[:],
		MAC:  mac,
		EPub: epub[:],
	}, nil
}

func (NaClBox) DecryptMessageWithMeta(selfID string, kp KeyPair, env Envelope) ([]byte, error) {
	seal, ok := env.Seals[selfID]
	if !ok {
		return nil, fmt.Errorf("cryptoprim: no seal addressed to %s", selfID)
	}
	if len(seal.IV) != 24 {
		return nil, fmt.Errorf("cryptoprim: invalid nonce length %d", len(seal.IV))
	}
	if len(seal.EPub) != 32 {
		return nil, fmt.Errorf("cryptoprim: invalid ephemeral public key length %d", len(seal.EPub))
	}

	var nonce [24]byte
	copy(nonce[:], seal.IV)
	var epub [32]byte
	copy(epub[:], seal.EPub)

	sealed := append(append([]byte{}, seal.CT...), seal.MAC...)
	plaintext, ok := box.Open(nil, sealed, &nonce, &epub, &kp.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("cryptoprim: decryption failed (authentication mismatch)")
	}
	return plaintext, nil
}
