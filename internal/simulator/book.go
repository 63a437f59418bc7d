// Package simulator serves a synthetic depth feed: a REST snapshot endpoint
// and a websocket stream of chained diffs. It is what the engine is pointed
// at in local runs and end-to-end tests.
package simulator

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/platform/exchange"
)

// removedQty is how the feed spells a deleted level.
const removedQty = "0.00000000"

var levelOffsets = []float64{0.5, 1.0, 2.0, 3.5, 5.0, 7.5, 10.0, 15.0, 20.0, 30.0}

// Book is a randomly evolving order book around a drifting mid price.
type Book struct {
	mu sync.Mutex

	symbol       string
	mid          float64
	bids         map[string]string
	asks         map[string]string
	lastUpdateID int64
	rng          *rand.Rand
	now          func() time.Time
}

// NewBook seeds a ten-level book on each side of mid.
func NewBook(symbol string, mid float64, startID int64, seed uint64) *Book {
	b := &Book{
		symbol:       symbol,
		mid:          mid,
		lastUpdateID: startID,
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:          time.Now,
	}
	b.bids = b.generateSide(-1)
	b.asks = b.generateSide(1)
	return b
}

func (b *Book) generateSide(sign float64) map[string]string {
	side := make(map[string]string, len(levelOffsets))
	for _, off := range levelOffsets {
		side[b.price(sign*off)] = b.qty()
	}
	return side
}

func (b *Book) price(offset float64) string {
	return decimal.NewFromFloat(b.mid + offset).StringFixed(2)
}

func (b *Book) qty() string {
	return decimal.NewFromFloat(b.rng.Float64()*2 + 0.5).StringFixed(5)
}

// LastUpdateID returns the id of the most recent diff.
func (b *Book) LastUpdateID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdateID
}

// Snapshot lists the book, bids descending and asks ascending.
func (b *Book) Snapshot() exchange.APISnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return exchange.APISnapshot{
		LastUpdateID: b.lastUpdateID,
		Bids:         sortedLevels(b.bids, true),
		Asks:         sortedLevels(b.asks, false),
	}
}

// Next mutates the book and returns the diff describing the change. Every
// diff covers exactly one id and chains on the previous one.
func (b *Book) Next() exchange.APIDepthEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.lastUpdateID
	b.lastUpdateID++

	var bids, asks [][]string
	if b.rng.Float64() < 0.3 {
		b.mid += (b.rng.Float64() - 0.5) * 2
		bids = append(bids, replaceSide(b.bids, b.generateSide(-1))...)
		asks = append(asks, replaceSide(b.asks, b.generateSide(1))...)
		b.bids = mapFromLevels(b.bids, bids)
		b.asks = mapFromLevels(b.asks, asks)
	}
	bids = append(bids, b.shrink(b.bids)...)
	asks = append(asks, b.shrink(b.asks)...)
	bids = append(bids, b.maybeDelete(b.bids)...)
	asks = append(asks, b.maybeDelete(b.asks)...)
	bids = append(bids, b.maybeAdd(b.bids, -1)...)
	asks = append(asks, b.maybeAdd(b.asks, 1)...)

	return exchange.APIDepthEvent{
		EventType:         "depthUpdate",
		EventTime:         b.now().UnixMilli(),
		Symbol:            b.symbol,
		FirstUpdateID:     b.lastUpdateID,
		FinalUpdateID:     b.lastUpdateID,
		PrevFinalUpdateID: prev,
		Bids:              bids,
		Asks:              asks,
	}
}

// shrink reduces the size of up to two random levels.
func (b *Book) shrink(side map[string]string) [][]string {
	var out [][]string
	prices := sortedPrices(side)
	for i := 0; i < 2 && len(prices) > 0; i++ {
		if b.rng.Float64() >= 0.6 {
			continue
		}
		p := prices[b.rng.IntN(len(prices))]
		q := decimal.RequireFromString(side[p]).
			Mul(decimal.NewFromFloat(0.5 + b.rng.Float64()*0.4)).
			StringFixed(5)
		if decimal.RequireFromString(q).IsZero() {
			continue
		}
		side[p] = q
		out = append(out, []string{p, q})
	}
	return out
}

func (b *Book) maybeDelete(side map[string]string) [][]string {
	if b.rng.Float64() >= 0.2 || len(side) <= 5 {
		return nil
	}
	prices := sortedPrices(side)
	p := prices[b.rng.IntN(len(prices))]
	delete(side, p)
	return [][]string{{p, removedQty}}
}

func (b *Book) maybeAdd(side map[string]string, sign float64) [][]string {
	if b.rng.Float64() >= 0.15 {
		return nil
	}
	p := b.price(sign * (b.rng.Float64()*25 + 1))
	q := b.qty()
	side[p] = q
	return [][]string{{p, q}}
}

// replaceSide returns the diff that turns old into fresh.
func replaceSide(old, fresh map[string]string) [][]string {
	var out [][]string
	for _, p := range sortedPrices(old) {
		if _, ok := fresh[p]; !ok {
			out = append(out, []string{p, removedQty})
		}
	}
	for _, p := range sortedPrices(fresh) {
		out = append(out, []string{p, fresh[p]})
	}
	return out
}

// mapFromLevels applies a diff to side and returns it.
func mapFromLevels(side map[string]string, diff [][]string) map[string]string {
	for _, lvl := range diff {
		if decimal.RequireFromString(lvl[1]).IsZero() {
			delete(side, lvl[0])
			continue
		}
		side[lvl[0]] = lvl[1]
	}
	return side
}

func sortedPrices(side map[string]string) []string {
	prices := make([]string, 0, len(side))
	for p := range side {
		prices = append(prices, p)
	}
	sort.Strings(prices)
	return prices
}

func sortedLevels(side map[string]string, desc bool) [][]string {
	type lvl struct {
		price decimal.Decimal
		raw   []string
	}
	levels := make([]lvl, 0, len(side))
	for p, q := range side {
		levels = append(levels, lvl{price: decimal.RequireFromString(p), raw: []string{p, q}})
	}
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].price.GreaterThan(levels[j].price)
		}
		return levels[i].price.LessThan(levels[j].price)
	})
	out := make([][]string, len(levels))
	for i, l := range levels {
		out[i] = l.raw
	}
	return out
}
