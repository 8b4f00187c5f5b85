package ledger

import "time"

// PaymentRecord is one settled payment as persisted to disk. Records are
// immutable once written; the ledger only ever grows.
type PaymentRecord struct {
	Payer       string    `json:"payer"`
	Transaction string    `json:"transaction"`
	Network     string    `json:"network"`
	Amount      string    `json:"amount"`
	Asset       string    `json:"asset"`
	PayTo       string    `json:"payTo"`
	IPAddress   string    `json:"ipAddress"`
	Timestamp   time.Time `json:"timestamp"`
}

// recordSchema validates persisted records on load. Rows that fail
// validation are skipped rather than failing startup.
const recordSchema = `{
	"type": "object",
	"required": ["payer", "transaction", "network", "amount", "asset", "payTo", "ipAddress", "timestamp"],
	"properties": {
		"payer":       {"type": "string"},
		"transaction": {"type": "string"},
		"network":     {"type": "string"},
		"amount":      {"type": "string"},
		"asset":       {"type": "string"},
		"payTo":       {"type": "string"},
		"ipAddress":   {"type": "string"},
		"timestamp":   {"type": "string", "format": "date-time"}
	}
}`
