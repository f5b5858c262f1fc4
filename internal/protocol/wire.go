package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the ledger's transaction and batch messages. They are part of the
// validator's schema and must never be renumbered.
const (
	fieldTxnHeaderBatcherPublicKey protowire.Number = 1
	fieldTxnHeaderDependencies     protowire.Number = 2
	fieldTxnHeaderFamilyName       protowire.Number = 3
	fieldTxnHeaderFamilyVersion    protowire.Number = 4
	fieldTxnHeaderInputs           protowire.Number = 5
	fieldTxnHeaderNonce            protowire.Number = 6
	fieldTxnHeaderOutputs          protowire.Number = 7
	fieldTxnHeaderPayloadSHA512    protowire.Number = 9
	fieldTxnHeaderSignerPublicKey  protowire.Number = 10

	fieldTxnHeader          protowire.Number = 1
	fieldTxnHeaderSignature protowire.Number = 2
	fieldTxnPayload         protowire.Number = 3

	fieldBatchHeaderSignerPublicKey protowire.Number = 1
	fieldBatchHeaderTransactionIDs  protowire.Number = 2

	fieldBatchHeader          protowire.Number = 1
	fieldBatchHeaderSignature protowire.Number = 2
	fieldBatchTransactions    protowire.Number = 3
	fieldBatchTrace           protowire.Number = 4

	fieldBatchListBatches protowire.Number = 1
)

var ErrMalformed = errors.New("malformed message")

// TransactionHeader is signed as serialized; once Marshal has been called the bytes,
// not this struct, are the source of truth.
type TransactionHeader struct {
	BatcherPublicKey string
	Dependencies     []string
	FamilyName       string
	FamilyVersion    string
	Inputs           []string
	Nonce            string
	Outputs          []string
	PayloadSHA512    string
	SignerPublicKey  string
}

type Transaction struct {
	Header          []byte
	HeaderSignature string
	Payload         []byte
}

type BatchHeader struct {
	SignerPublicKey string
	TransactionIDs  []string
}

type Batch struct {
	Header          []byte
	HeaderSignature string
	Transactions    []Transaction
	Trace           bool
}

type BatchList struct {
	Batches []Batch
}

// Marshal writes fields in ascending field-number order and omits empty scalars,
// which keeps the encoding canonical.
func (h TransactionHeader) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldTxnHeaderBatcherPublicKey, h.BatcherPublicKey)
	b = appendRepeatedString(b, fieldTxnHeaderDependencies, h.Dependencies)
	b = appendString(b, fieldTxnHeaderFamilyName, h.FamilyName)
	b = appendString(b, fieldTxnHeaderFamilyVersion, h.FamilyVersion)
	b = appendRepeatedString(b, fieldTxnHeaderInputs, h.Inputs)
	b = appendString(b, fieldTxnHeaderNonce, h.Nonce)
	b = appendRepeatedString(b, fieldTxnHeaderOutputs, h.Outputs)
	b = appendString(b, fieldTxnHeaderPayloadSHA512, h.PayloadSHA512)
	b = appendString(b, fieldTxnHeaderSignerPublicKey, h.SignerPublicKey)
	return b
}

// PayloadDigest decodes the hex payload hash into its 64 raw bytes.
func (h TransactionHeader) PayloadDigest() ([]byte, error) {
	raw, err := hex.DecodeString(h.PayloadSHA512)
	if err != nil {
		return nil, fmt.Errorf("%w: payload_sha512 is not hex", ErrMalformed)
	}
	if len(raw) != SHA512Size {
		return nil, fmt.Errorf("%w: payload_sha512 length %d", ErrMalformed, len(raw))
	}
	return raw, nil
}

func UnmarshalTransactionHeader(b []byte) (TransactionHeader, error) {
	var h TransactionHeader
	err := walkFields(b, "transaction header", func(r *fieldReader) error {
		var err error
		switch r.num {
		case fieldTxnHeaderBatcherPublicKey:
			h.BatcherPublicKey, err = r.str()
		case fieldTxnHeaderDependencies:
			err = r.appendStr(&h.Dependencies)
		case fieldTxnHeaderFamilyName:
			h.FamilyName, err = r.str()
		case fieldTxnHeaderFamilyVersion:
			h.FamilyVersion, err = r.str()
		case fieldTxnHeaderInputs:
			err = r.appendStr(&h.Inputs)
		case fieldTxnHeaderNonce:
			h.Nonce, err = r.str()
		case fieldTxnHeaderOutputs:
			err = r.appendStr(&h.Outputs)
		case fieldTxnHeaderPayloadSHA512:
			h.PayloadSHA512, err = r.str()
		case fieldTxnHeaderSignerPublicKey:
			h.SignerPublicKey, err = r.str()
		default:
			err = r.skip()
		}
		return err
	})
	return h, err
}

func (t Transaction) Marshal() []byte {
	return t.appendTo(nil)
}

func (t Transaction) appendTo(b []byte) []byte {
	b = appendBytes(b, fieldTxnHeader, t.Header)
	b = appendString(b, fieldTxnHeaderSignature, t.HeaderSignature)
	b = appendBytes(b, fieldTxnPayload, t.Payload)
	return b
}

func UnmarshalTransaction(b []byte) (Transaction, error) {
	var t Transaction
	err := walkFields(b, "transaction", func(r *fieldReader) error {
		var err error
		switch r.num {
		case fieldTxnHeader:
			t.Header, err = r.bytes()
		case fieldTxnHeaderSignature:
			t.HeaderSignature, err = r.str()
		case fieldTxnPayload:
			t.Payload, err = r.bytes()
		default:
			err = r.skip()
		}
		return err
	})
	return t, err
}

func (h BatchHeader) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldBatchHeaderSignerPublicKey, h.SignerPublicKey)
	b = appendRepeatedString(b, fieldBatchHeaderTransactionIDs, h.TransactionIDs)
	return b
}

func UnmarshalBatchHeader(b []byte) (BatchHeader, error) {
	var h BatchHeader
	err := walkFields(b, "batch header", func(r *fieldReader) error {
		var err error
		switch r.num {
		case fieldBatchHeaderSignerPublicKey:
			h.SignerPublicKey, err = r.str()
		case fieldBatchHeaderTransactionIDs:
			err = r.appendStr(&h.TransactionIDs)
		default:
			err = r.skip()
		}
		return err
	})
	return h, err
}

func (bt Batch) Marshal() []byte {
	return bt.appendTo(nil)
}

func (bt Batch) appendTo(b []byte) []byte {
	b = appendBytes(b, fieldBatchHeader, bt.Header)
	b = appendString(b, fieldBatchHeaderSignature, bt.HeaderSignature)
	for _, txn := range bt.Transactions {
		b = protowire.AppendTag(b, fieldBatchTransactions, protowire.BytesType)
		b = protowire.AppendBytes(b, txn.Marshal())
	}
	if bt.Trace {
		b = protowire.AppendTag(b, fieldBatchTrace, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func UnmarshalBatch(b []byte) (Batch, error) {
	var bt Batch
	err := walkFields(b, "batch", func(r *fieldReader) error {
		switch r.num {
		case fieldBatchHeader:
			v, err := r.bytes()
			bt.Header = v
			return err
		case fieldBatchHeaderSignature:
			v, err := r.str()
			bt.HeaderSignature = v
			return err
		case fieldBatchTransactions:
			raw, err := r.bytes()
			if err != nil {
				return err
			}
			txn, err := UnmarshalTransaction(raw)
			if err != nil {
				return err
			}
			bt.Transactions = append(bt.Transactions, txn)
			return nil
		case fieldBatchTrace:
			v, err := r.varint()
			bt.Trace = v != 0
			return err
		default:
			return r.skip()
		}
	})
	return bt, err
}

func (l BatchList) Marshal() []byte {
	var b []byte
	for _, batch := range l.Batches {
		b = protowire.AppendTag(b, fieldBatchListBatches, protowire.BytesType)
		b = protowire.AppendBytes(b, batch.Marshal())
	}
	return b
}

func UnmarshalBatchList(b []byte) (BatchList, error) {
	var l BatchList
	err := walkFields(b, "batch list", func(r *fieldReader) error {
		if r.num != fieldBatchListBatches {
			return r.skip()
		}
		raw, err := r.bytes()
		if err != nil {
			return err
		}
		batch, err := UnmarshalBatch(raw)
		if err != nil {
			return err
		}
		l.Batches = append(l.Batches, batch)
		return nil
	})
	return l, err
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendRepeatedString(b []byte, num protowire.Number, vs []string) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	return b
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// fieldReader exposes the value of the current field to walkFields callbacks.
type fieldReader struct {
	num  protowire.Number
	typ  protowire.Type
	buf  []byte
	used int
}

func walkFields(b []byte, msg string, visit func(r *fieldReader) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, msg, protowire.ParseError(n))
		}
		b = b[n:]
		r := &fieldReader{num: num, typ: typ, buf: b}
		if err := visit(r); err != nil {
			return fmt.Errorf("%w: %s field %d: %v", ErrMalformed, msg, num, err)
		}
		b = b[r.used:]
	}
	return nil
}

func (r *fieldReader) expect(typ protowire.Type) error {
	if r.typ != typ {
		return fmt.Errorf("wire type %d, want %d", r.typ, typ)
	}
	return nil
}

func (r *fieldReader) bytes() ([]byte, error) {
	if err := r.expect(protowire.BytesType); err != nil {
		return nil, err
	}
	v, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	r.used = n
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (r *fieldReader) str() (string, error) {
	if err := r.expect(protowire.BytesType); err != nil {
		return "", err
	}
	v, n := protowire.ConsumeString(r.buf)
	if n < 0 {
		return "", protowire.ParseError(n)
	}
	r.used = n
	return v, nil
}

func (r *fieldReader) appendStr(dst *[]string) error {
	v, err := r.str()
	if err != nil {
		return err
	}
	*dst = append(*dst, v)
	return nil
}

func (r *fieldReader) varint() (uint64, error) {
	if err := r.expect(protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	r.used = n
	return v, nil
}

func (r *fieldReader) skip() error {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.buf)
	if n < 0 {
		return protowire.ParseError(n)
	}
	r.used = n
	return nil
}
