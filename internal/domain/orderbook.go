package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level is a single price+quantity entry. A zero quantity in a diff means
// "remove this price".
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// DepthEvent is one sequenced diff of an exchange's book.
type DepthEvent struct {
	EventType string
	EventTime time.Time
	Symbol    string

	FirstUpdateID     int64 // U
	FinalUpdateID     int64 // u
	PrevFinalUpdateID int64 // pu

	Bids []Level
	Asks []Level
}

// LevelCount returns the number of level changes carried by the event.
func (e DepthEvent) LevelCount() int {
	return len(e.Bids) + len(e.Asks)
}

// Snapshot is a full point-in-time listing of a book.
type Snapshot struct {
	LastUpdateID int64
	Bids         []Level
	Asks         []Level
}

// BestQuote is the top of one exchange's book. An empty side is reported as
// an invalid NullDecimal, never as an infinite sentinel.
type BestQuote struct {
	Exchange string              `json:"exchange"`
	Bid      decimal.NullDecimal `json:"bid"`
	Ask      decimal.NullDecimal `json:"ask"`
	UpdateID int64               `json:"updateId"`
	Time     time.Time           `json:"time"`
}

// Withdrawn reports whether the quote carries no price on either side. The
// detector drops the exchange when it receives one.
func (q BestQuote) Withdrawn() bool {
	return !q.Bid.Valid && !q.Ask.Valid
}

// WithdrawQuote returns the quote published when an exchange's book stops
// being trustworthy (resync, disconnect).
func WithdrawQuote(exchange string, at time.Time) BestQuote {
	return BestQuote{Exchange: exchange, Time: at}
}
