package transaction

import (
	"encoding/json"
	"time"
)

// Status enumerates the lifecycle of a proxied call. Transitions are
// monotonic: a terminal record never reverts.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status permits no further transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transaction records one proxied call attempt and its outcome.
type Transaction struct {
	ID              string          `json:"id"`
	ServiceID       string          `json:"service_id"`
	CallerAddress   string          `json:"caller_address"`
	Amount          float64         `json:"amount"`
	Currency        string          `json:"currency"`
	Nonce           string          `json:"nonce"`
	Status          Status          `json:"status"`
	RequestPayload  json.RawMessage `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	ErrorDetail     string          `json:"error_detail,omitempty"`
	RequestedAt     time.Time       `json:"requested_at"`
	CompletedAt     time.Time       `json:"completed_at,omitempty"`
	DurationMs      int64           `json:"processing_time_ms"`
}

// Filter narrows transaction listings and aggregates. Zero values are
// ignored.
type Filter struct {
	ServiceID     string
	ServiceIDs    []string
	CallerAddress string
	Status        Status
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// Aggregate summarises a filtered set of transactions.
type Aggregate struct {
	Count          int64   `json:"count"`
	CompletedCount int64   `json:"completed_count"`
	AmountSum      float64 `json:"amount_sum"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
}

// DailyStat is a per-day rollup used by analytics breakdowns.
type DailyStat struct {
	Date      string  `json:"date"`
	Count     int64   `json:"requests"`
	AmountSum float64 `json:"revenue"`
}
