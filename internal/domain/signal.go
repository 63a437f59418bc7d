package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is a detected cross-exchange spread: buy on BuyFrom at its best
// ask, sell on SellTo at its best bid.
type Opportunity struct {
	ID        string          `json:"id"`
	BuyFrom   string          `json:"buyFrom"`
	SellTo    string          `json:"sellTo"`
	BuyPrice  decimal.Decimal `json:"buyPrice"`
	SellPrice decimal.Decimal `json:"sellPrice"`
	Profit    decimal.Decimal `json:"profit"`
	Timestamp time.Time       `json:"timestamp"`
}

// Fingerprint is the dedup key of the opportunity. It only depends on the
// exchange pair and the two prices, so repeated detections of the same price
// configuration collapse to one key regardless of when they happen.
func (o Opportunity) Fingerprint() string {
	return strings.Join([]string{
		o.BuyFrom,
		o.SellTo,
		o.BuyPrice.String(),
		o.SellPrice.String(),
	}, "|")
}

// ExecutionStatus is the outcome reported by the execution sink.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is the record produced once the sink has handled an opportunity.
type Execution struct {
	Opportunity
	Status      ExecutionStatus `json:"status"`
	CompletedAt time.Time       `json:"completedAt"`
}
