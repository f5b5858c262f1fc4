package protocol

// BatchStatus values reported by the ledger's REST API.
const (
	StatusCommitted = "COMMITTED"
	StatusInvalid   = "INVALID"
	StatusPending   = "PENDING"
	StatusUnknown   = "UNKNOWN"
)

func IsTerminalStatus(status string) bool {
	return status == StatusCommitted || status == StatusInvalid
}

// SubmitResponse is the body returned by POST /batches.
type SubmitResponse struct {
	Link string `json:"link"`
}

type InvalidTransaction struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type BatchStatus struct {
	ID                  string               `json:"id"`
	Status              string               `json:"status"`
	InvalidTransactions []InvalidTransaction `json:"invalid_transactions,omitempty"`
}

// BatchStatusResponse is the body returned by GET /batch_statuses.
type BatchStatusResponse struct {
	Data []BatchStatus `json:"data"`
	Link string        `json:"link,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type VerifyCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}
