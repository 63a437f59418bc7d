// Package orderbook holds the per-exchange local replica of a price-level
// book. A LocalBook is owned by exactly one feed session and is not safe for
// concurrent use.
package orderbook

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// LocalBook stores bids and asks keyed by the canonical decimal string of the
// price, so "100.10" and "100.1" address the same level.
type LocalBook struct {
	bids         map[string]domain.Level
	asks         map[string]domain.Level
	lastUpdateID int64
}

// New returns an empty book.
func New() *LocalBook {
	return &LocalBook{
		bids: make(map[string]domain.Level),
		asks: make(map[string]domain.Level),
	}
}

// Reset replaces the book contents with snap.
func (b *LocalBook) Reset(snap domain.Snapshot) {
	b.bids = make(map[string]domain.Level, len(snap.Bids))
	b.asks = make(map[string]domain.Level, len(snap.Asks))
	for _, lvl := range snap.Bids {
		setLevel(b.bids, lvl)
	}
	for _, lvl := range snap.Asks {
		setLevel(b.asks, lvl)
	}
	b.lastUpdateID = snap.LastUpdateID
}

// Apply mutates the book with ev and advances LastUpdateID to ev's final
// update id. It reports whether any level was inserted, overwritten or
// removed. Sequencing is the caller's job.
func (b *LocalBook) Apply(ev domain.DepthEvent) bool {
	changed := false
	for _, lvl := range ev.Bids {
		if setLevel(b.bids, lvl) {
			changed = true
		}
	}
	for _, lvl := range ev.Asks {
		if setLevel(b.asks, lvl) {
			changed = true
		}
	}
	b.lastUpdateID = ev.FinalUpdateID
	return changed
}

// setLevel removes the key on zero quantity and inserts it otherwise.
// Removing an absent price is a no-op and reports false.
func setLevel(side map[string]domain.Level, lvl domain.Level) bool {
	key := lvl.Price.String()
	if lvl.Qty.IsZero() {
		if _, ok := side[key]; !ok {
			return false
		}
		delete(side, key)
		return true
	}
	side[key] = lvl
	return true
}

// LastUpdateID is the final update id of the last applied event, or the
// snapshot id right after Reset.
func (b *LocalBook) LastUpdateID() int64 {
	return b.lastUpdateID
}

// Best returns the highest bid and the lowest ask. An empty side yields an
// invalid NullDecimal.
func (b *LocalBook) Best() (bid, ask decimal.NullDecimal) {
	for _, lvl := range b.bids {
		if !bid.Valid || lvl.Price.GreaterThan(bid.Decimal) {
			bid = decimal.NullDecimal{Decimal: lvl.Price, Valid: true}
		}
	}
	for _, lvl := range b.asks {
		if !ask.Valid || lvl.Price.LessThan(ask.Decimal) {
			ask = decimal.NullDecimal{Decimal: lvl.Price, Valid: true}
		}
	}
	return bid, ask
}

// Depth returns the number of price levels on each side.
func (b *LocalBook) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

// Qty returns the quantity resting at price on the given side.
func (b *LocalBook) Qty(side Side, price decimal.Decimal) (decimal.Decimal, bool) {
	m := b.bids
	if side == Ask {
		m = b.asks
	}
	lvl, ok := m[price.String()]
	return lvl.Qty, ok
}

// Side selects one half of the book.
type Side int

const (
	Bid Side = iota
	Ask
)
