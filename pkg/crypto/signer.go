package crypto

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer holds an ed25519 keypair and signs Solana transactions with it.
// It implements dex.Signer.
type Signer struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
}

func newSigner(key solana.PrivateKey) (*Signer, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{privateKey: key, publicKey: key.PublicKey()}, nil
}

// GenerateKey creates a new random keypair
func GenerateKey() (*Signer, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSigner(key)
}

// FromKeygenFile loads a keypair written by solana-keygen
// Format: JSON array of 64 bytes
func FromKeygenFile(path string) (*Signer, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair %s: %w", path, err)
	}
	return newSigner(key)
}

// FromBase58 creates a Signer from a base58-encoded 64-byte private key
func FromBase58(s string) (*Signer, error) {
	key, err := solana.PrivateKeyFromBase58(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newSigner(key)
}

// PublicKey returns the wallet address
func (s *Signer) PublicKey() solana.PublicKey {
	return s.publicKey
}

// PrivateKeyBase58 returns the private key as base58 string
// WARNING: Keep this secret! Never expose to users or logs
func (s *Signer) PrivateKeyBase58() string {
	return s.privateKey.String()
}

// SignMessage signs arbitrary bytes with ed25519
func (s *Signer) SignMessage(message []byte) (solana.Signature, error) {
	sig, err := s.privateKey.Sign(message)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// SignTransaction adds this wallet's signature to tx. Signatures of other
// required signers are left untouched.
func (s *Signer) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !tx.Message.IsSigner(s.publicKey) {
		return fmt.Errorf("wallet %s is not a signer of the transaction", s.publicKey)
	}
	return SignWith(tx, s.privateKey)
}

// SignWith partially signs tx with the given keys, typically freshly
// generated accounts that must co-sign their own creation.
func SignWith(tx *solana.Transaction, keys ...solana.PrivateKey) error {
	byPub := make(map[solana.PublicKey]*solana.PrivateKey, len(keys))
	for i := range keys {
		byPub[keys[i].PublicKey()] = &keys[i]
	}
	if _, err := tx.PartialSign(func(pub solana.PublicKey) *solana.PrivateKey {
		return byPub[pub]
	}); err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

// VerifySignature verifies that signature was created by pub for message
func VerifySignature(pub solana.PublicKey, message []byte, signature solana.Signature) bool {
	return signature.Verify(pub, message)
}

// FullySigned reports whether every required signer has signed tx
func FullySigned(tx *solana.Transaction) bool {
	n := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) != n {
		return false
	}
	for _, sig := range tx.Signatures {
		if sig.IsZero() {
			return false
		}
	}
	return true
}
