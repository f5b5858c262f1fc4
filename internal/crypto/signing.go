package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	PrivateKeySize = 32
	PublicKeySize  = 33
	SignatureSize  = 64
)

var (
	ErrInvalidKey       = errors.New("invalid private key")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrSigning          = errors.New("signing failed")
)

// Signer holds a secp256k1 private key for the lifetime of one submission.
// It never exposes the scalar and has no String method so the key cannot leak into logs.
type Signer struct {
	priv   *secp256k1.PrivateKey
	public []byte
}

// NewSigner validates the raw 32-byte scalar before any header is built.
func NewSigner(priv []byte) (*Signer, error) {
	if len(priv) != PrivateKeySize {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidKey, len(priv), PrivateKeySize)
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(priv); overflow {
		return nil, fmt.Errorf("%w: scalar exceeds curve order", ErrInvalidKey)
	}
	if scalar.IsZero() {
		return nil, fmt.Errorf("%w: scalar is zero", ErrInvalidKey)
	}
	key := secp256k1.NewPrivateKey(&scalar)
	return &Signer{
		priv:   key,
		public: key.PubKey().SerializeCompressed(),
	}, nil
}

func SignerFromHex(encoded string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: not hex: %v", ErrInvalidKey, err)
	}
	return NewSigner(raw)
}

// SignerFromPassphrase uses SHA-256(passphrase) as the private scalar, the convention
// the todo family's existing users were enrolled with.
func SignerFromPassphrase(passphrase string) (*Signer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalidKey)
	}
	sum := sha256.Sum256([]byte(passphrase))
	return NewSigner(sum[:])
}

func LoadSigner(path string) (*Signer, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return SignerFromHex(string(buf))
}

// PublicKey returns the compressed public key.
func (s *Signer) PublicKey() []byte {
	out := make([]byte, len(s.public))
	copy(out, s.public)
	return out
}

func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.public)
}

// Sign returns the compact r||s signature over SHA-256(msg).
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	if s == nil || s.priv == nil {
		return nil, fmt.Errorf("%w: signer has no key", ErrSigning)
	}
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(s.priv, digest[:])
	r := sig.R()
	sc := sig.S()
	rb := r.Bytes()
	sb := sc.Bytes()
	out := make([]byte, 0, SignatureSize)
	out = append(out, rb[:]...)
	out = append(out, sb[:]...)
	return out, nil
}

func (s *Signer) SignHex(msg []byte) (string, error) {
	sig, err := s.Sign(msg)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

func ParsePublicKey(encoded string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: not hex: %v", ErrInvalidPublicKey, err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// Verify checks a hex compact signature over SHA-256(msg) under a hex public key.
func Verify(pubHex string, msg []byte, sigHex string) bool {
	pub, err := ParsePublicKey(pubHex)
	if err != nil {
		return false
	}
	raw, err := hex.DecodeString(sigHex)
	if err != nil || len(raw) != SignatureSize {
		return false
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(raw[:32]); overflow || r.IsZero() {
		return false
	}
	if overflow := s.SetByteSlice(raw[32:]); overflow || s.IsZero() {
		return false
	}
	digest := sha256.Sum256(msg)
	return ecdsa.NewSignature(&r, &s).Verify(digest[:], pub)
}

// PublicKeyFromPassphrase derives the compressed public key hex that a user
// enrolled with the given passphrase signs under.
func PublicKeyFromPassphrase(passphrase string) (string, error) {
	s, err := SignerFromPassphrase(passphrase)
	if err != nil {
		return "", err
	}
	return s.PublicKeyHex(), nil
}
