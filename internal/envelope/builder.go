// Package envelope turns payload bytes into signed transactions and batches.
// Builders are single pass and keep no state between calls.
package envelope

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/todoledger/todo-client/internal/protocol"
)

const (
	DefaultFamilyName    = "todo"
	DefaultFamilyVersion = "0.1"
)

var (
	ErrSigning     = errors.New("envelope signing failed")
	ErrNoSigner    = errors.New("signer is required")
	ErrEmptyBatch  = errors.New("batch needs at least one transaction")
	ErrNoNamespace = errors.New("namespace is required")
)

// Signer is the part of crypto.Signer the builders need.
type Signer interface {
	PublicKey() []byte
	Sign(msg []byte) ([]byte, error)
}

// Family identifies the transaction family a header is addressed to.
type Family struct {
	Name    string
	Version string
}

func DefaultFamily() Family {
	return Family{Name: DefaultFamilyName, Version: DefaultFamilyVersion}
}

// Builder carries the family identity. The zero value uses DefaultFamily.
type Builder struct {
	Family Family
}

func (b Builder) family() Family {
	f := b.Family
	if f.Name == "" {
		f.Name = DefaultFamilyName
	}
	if f.Version == "" {
		f.Version = DefaultFamilyVersion
	}
	return f
}

// BuildTransaction signs a header binding payload's SHA-512 digest, the signer
// and the namespace, and returns the assembled transaction.
func (b Builder) BuildTransaction(signer Signer, payload []byte, namespace string) (protocol.Transaction, error) {
	if signer == nil {
		return protocol.Transaction{}, ErrNoSigner
	}
	if namespace == "" {
		return protocol.Transaction{}, ErrNoNamespace
	}
	pub := hex.EncodeToString(signer.PublicKey())
	f := b.family()
	header := protocol.TransactionHeader{
		FamilyName:       f.Name,
		FamilyVersion:    f.Version,
		Inputs:           []string{namespace},
		Outputs:          []string{namespace},
		SignerPublicKey:  pub,
		BatcherPublicKey: pub,
		Dependencies:     []string{},
		PayloadSHA512:    protocol.SHA512Hex(payload),
	}
	headerBytes := header.Marshal()
	sig, err := signer.Sign(headerBytes)
	if err != nil {
		return protocol.Transaction{}, fmt.Errorf("%w: transaction header: %v", ErrSigning, err)
	}
	return protocol.Transaction{
		Header:          headerBytes,
		HeaderSignature: hex.EncodeToString(sig),
		Payload:         payload,
	}, nil
}

// BuildBatch links txns by header signature in the order given; that order is the
// execution order on the ledger.
func (b Builder) BuildBatch(signer Signer, txns []protocol.Transaction) (protocol.Batch, error) {
	if signer == nil {
		return protocol.Batch{}, ErrNoSigner
	}
	if len(txns) == 0 {
		return protocol.Batch{}, ErrEmptyBatch
	}
	ids := make([]string, 0, len(txns))
	for _, txn := range txns {
		ids = append(ids, txn.HeaderSignature)
	}
	header := protocol.BatchHeader{
		SignerPublicKey: hex.EncodeToString(signer.PublicKey()),
		TransactionIDs:  ids,
	}
	headerBytes := header.Marshal()
	sig, err := signer.Sign(headerBytes)
	if err != nil {
		return protocol.Batch{}, fmt.Errorf("%w: batch header: %v", ErrSigning, err)
	}
	out := make([]protocol.Transaction, len(txns))
	copy(out, txns)
	return protocol.Batch{
		Header:          headerBytes,
		HeaderSignature: hex.EncodeToString(sig),
		Transactions:    out,
	}, nil
}

// BuildBatchList wraps txns in one signed batch and returns the bytes to submit
// together with the batch id.
func (b Builder) BuildBatchList(signer Signer, txns []protocol.Transaction) ([]byte, string, error) {
	batch, err := b.BuildBatch(signer, txns)
	if err != nil {
		return nil, "", err
	}
	return protocol.BatchList{Batches: []protocol.Batch{batch}}.Marshal(), batch.HeaderSignature, nil
}

func BuildTransaction(signer Signer, payload []byte, namespace string) (protocol.Transaction, error) {
	return Builder{}.BuildTransaction(signer, payload, namespace)
}

func BuildBatch(signer Signer, txns []protocol.Transaction) (protocol.Batch, error) {
	return Builder{}.BuildBatch(signer, txns)
}

func BuildBatchList(signer Signer, txns []protocol.Transaction) ([]byte, string, error) {
	return Builder{}.BuildBatchList(signer, txns)
}
