package service

import (
	"bytes"
	"crypto/sha512"
	"fmt"

	txcrypto "github.com/todoledger/todo-client/internal/crypto"
	"github.com/todoledger/todo-client/internal/protocol"
)

type BatchVerification struct {
	Status string                 `json:"status"`
	Checks []protocol.VerifyCheck `json:"checks"`
}

func (v BatchVerification) OK() bool {
	return v.Status == "ok"
}

// BatchVerifier re-derives every signature and digest of a batch list. It performs
// the same checks a validator applies before scheduling a batch.
type BatchVerifier struct {
	FamilyName    string
	FamilyVersion string
	// Namespace, when set, must be the only input and output of each transaction.
	Namespace string
}

func (v *BatchVerifier) VerifyBytes(raw []byte) (BatchVerification, error) {
	list, err := protocol.UnmarshalBatchList(raw)
	if err != nil {
		return BatchVerification{}, err
	}
	return v.Verify(list), nil
}

func (v *BatchVerifier) Verify(list protocol.BatchList) BatchVerification {
	checks := make([]protocol.VerifyCheck, 0, 8)
	if len(list.Batches) == 0 {
		checks = append(checks, failCheck("batch_list", "no batches"))
	} else {
		checks = append(checks, okCheck("batch_list", fmt.Sprintf("count=%d", len(list.Batches))))
	}
	for i, batch := range list.Batches {
		checks = append(checks, v.verifyBatch(i, batch)...)
	}

	status := "ok"
	for _, c := range checks {
		if c.Status != "ok" {
			status = "fail"
			break
		}
	}
	return BatchVerification{Status: status, Checks: checks}
}

func (v *BatchVerifier) verifyBatch(i int, batch protocol.Batch) []protocol.VerifyCheck {
	name := func(check string) string { return fmt.Sprintf("batch[%d].%s", i, check) }
	checks := make([]protocol.VerifyCheck, 0, 8)

	header, err := protocol.UnmarshalBatchHeader(batch.Header)
	if err != nil {
		return append(checks, failCheck(name("header"), err.Error()))
	}
	checks = append(checks, okCheck(name("header"), header.SignerPublicKey))

	if txcrypto.Verify(header.SignerPublicKey, batch.Header, batch.HeaderSignature) {
		checks = append(checks, okCheck(name("signature"), batch.HeaderSignature))
	} else {
		checks = append(checks, failCheck(name("signature"), "batch header signature invalid"))
	}

	if len(header.TransactionIDs) != len(batch.Transactions) {
		checks = append(checks, failCheck(name("transaction_ids"), fmt.Sprintf("header lists %d ids for %d transactions", len(header.TransactionIDs), len(batch.Transactions))))
	} else {
		linked := true
		for j, txn := range batch.Transactions {
			if header.TransactionIDs[j] != txn.HeaderSignature {
				linked = false
				break
			}
		}
		if linked {
			checks = append(checks, okCheck(name("transaction_ids"), fmt.Sprintf("count=%d", len(batch.Transactions))))
		} else {
			checks = append(checks, failCheck(name("transaction_ids"), "transaction ids do not match transactions in order"))
		}
	}

	txnsValid := true
	detail := fmt.Sprintf("count=%d", len(batch.Transactions))
	for j, txn := range batch.Transactions {
		if problem := v.verifyTransaction(header.SignerPublicKey, txn); problem != "" {
			txnsValid = false
			detail = fmt.Sprintf("transaction[%d]: %s", j, problem)
			break
		}
	}
	if txnsValid {
		checks = append(checks, okCheck(name("transactions"), detail))
	} else {
		checks = append(checks, failCheck(name("transactions"), detail))
	}
	return checks
}

// verifyTransaction returns "" when txn is valid, otherwise the first problem found.
func (v *BatchVerifier) verifyTransaction(batcher string, txn protocol.Transaction) string {
	h, err := protocol.UnmarshalTransactionHeader(txn.Header)
	if err != nil {
		return err.Error()
	}
	if !txcrypto.Verify(h.SignerPublicKey, txn.Header, txn.HeaderSignature) {
		return "header signature invalid"
	}
	if h.BatcherPublicKey != batcher {
		return "batcher_public_key does not match batch signer"
	}
	if h.SignerPublicKey != h.BatcherPublicKey {
		return "signer and batcher differ"
	}
	digest, err := h.PayloadDigest()
	if err != nil {
		return err.Error()
	}
	sum := sha512.Sum512(txn.Payload)
	if !bytes.Equal(digest, sum[:]) {
		return "payload digest mismatch"
	}
	if v.FamilyName != "" && h.FamilyName != v.FamilyName {
		return fmt.Sprintf("family_name %q, want %q", h.FamilyName, v.FamilyName)
	}
	if v.FamilyVersion != "" && h.FamilyVersion != v.FamilyVersion {
		return fmt.Sprintf("family_version %q, want %q", h.FamilyVersion, v.FamilyVersion)
	}
	if v.Namespace != "" && !onlyAddress(h.Inputs, v.Namespace) {
		return "inputs outside namespace"
	}
	if v.Namespace != "" && !onlyAddress(h.Outputs, v.Namespace) {
		return "outputs outside namespace"
	}
	if _, err := protocol.DecodePayload(txn.Payload); err != nil {
		return err.Error()
	}
	return ""
}

func onlyAddress(addrs []string, namespace string) bool {
	return len(addrs) == 1 && addrs[0] == namespace
}

func okCheck(name, details string) protocol.VerifyCheck {
	return protocol.VerifyCheck{Name: name, Status: "ok", Details: details}
}

func failCheck(name, details string) protocol.VerifyCheck {
	return protocol.VerifyCheck{Name: name, Status: "fail", Details: details}
}
