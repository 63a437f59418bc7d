// Package arbitrage watches the best quotes of every exchange and emits an
// opportunity when one venue's bid clears another's ask by more than the
// configured profit.
package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
)

// Scan outcomes, used as the metrics label.
const (
	resultInsufficient = "insufficient_quotes"
	resultNoCandidate  = "no_candidate"
	resultBelow        = "below_threshold"
	resultDuplicate    = "duplicate"
	resultDedupError   = "dedup_error"
	resultEmitted      = "emitted"
)

// DetectorConfig configures a Detector.
type DetectorConfig struct {
	// MinProfit is the exclusive lower bound on sell bid - buy ask.
	MinProfit decimal.Decimal
	// Cooldown is how long an emitted fingerprint suppresses repeats.
	Cooldown time.Duration

	Dedup domain.DedupStore
	Sink  domain.ExecutionSink

	Logger  *slog.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
	NewID   func() string
}

// Detector keeps the latest quote per exchange and scans them on every
// update. The whole update/scan/dedup sequence is serialized.
type Detector struct {
	cfg    DetectorConfig
	logger *slog.Logger

	mu     sync.Mutex
	quotes map[string]domain.BestQuote
}

// NewDetector creates a Detector. Dedup and Sink are required.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Detector{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "arb_detector")),
		quotes: make(map[string]domain.BestQuote),
	}
}

// Run consumes quotes until ctx is done or the channel is closed.
func (d *Detector) Run(ctx context.Context, quotes <-chan domain.BestQuote) error {
	d.logger.InfoContext(ctx, "arb detector started",
		slog.String("min_profit", d.cfg.MinProfit.String()),
		slog.Duration("cooldown", d.cfg.Cooldown),
	)
	defer d.logger.Info("arb detector stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case q, ok := <-quotes:
			if !ok {
				return nil
			}
			if _, err := d.OnBestQuoteUpdate(ctx, q); err != nil {
				d.logger.WarnContext(ctx, "opportunity suppressed",
					slog.String("exchange", q.Exchange),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// OnBestQuoteUpdate records q and scans every exchange pair. It returns the
// opportunity handed to the sink, or nil when nothing was emitted. A dedup
// store failure suppresses emission and is returned.
func (d *Detector) OnBestQuoteUpdate(ctx context.Context, q domain.BestQuote) (*domain.Opportunity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q.Withdrawn() {
		delete(d.quotes, q.Exchange)
	} else {
		d.quotes[q.Exchange] = q
	}

	if len(d.quotes) < 2 {
		d.observe(resultInsufficient)
		return nil, nil
	}

	buy, sell, ok := d.scan()
	if !ok {
		d.observe(resultNoCandidate)
		return nil, nil
	}

	opp := domain.Opportunity{
		BuyFrom:   buy.Exchange,
		SellTo:    sell.Exchange,
		BuyPrice:  buy.Ask.Decimal,
		SellPrice: sell.Bid.Decimal,
		Profit:    sell.Bid.Decimal.Sub(buy.Ask.Decimal),
	}
	if !opp.Profit.GreaterThan(d.cfg.MinProfit) {
		d.observe(resultBelow)
		return nil, nil
	}

	key := opp.Fingerprint()
	_, seen, err := d.cfg.Dedup.Get(ctx, key)
	if err != nil {
		d.observe(resultDedupError)
		return nil, fmt.Errorf("arbitrage: dedup get: %w", err)
	}
	if seen {
		d.observe(resultDuplicate)
		return nil, nil
	}

	opp.ID = d.cfg.NewID()
	opp.Timestamp = d.cfg.Now()
	if err := d.cfg.Dedup.Set(ctx, key, opp.ID, d.cfg.Cooldown); err != nil {
		d.observe(resultDedupError)
		return nil, fmt.Errorf("arbitrage: dedup set: %w", err)
	}

	d.observe(resultEmitted)
	d.logger.InfoContext(ctx, "arbitrage opportunity",
		slog.String("id", opp.ID),
		slog.String("buy_from", opp.BuyFrom),
		slog.String("sell_to", opp.SellTo),
		slog.String("buy_price", opp.BuyPrice.String()),
		slog.String("sell_price", opp.SellPrice.String()),
		slog.String("profit", opp.Profit.String()),
	)
	d.cfg.Sink.Submit(ctx, opp)
	return &opp, nil
}

// Quotes returns the current quote of every tracked exchange, sorted by
// exchange.
func (d *Detector) Quotes() []domain.BestQuote {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.BestQuote, 0, len(d.quotes))
	for _, q := range d.quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

func (d *Detector) observe(result string) {
	d.cfg.Metrics.Detections.WithLabelValues(result).Inc()
}

// scan picks the lowest ask to buy and the highest bid to sell. Ties go to
// the exchange that sorts first. When both extremes sit on one exchange the
// better of the two runner-up pairings is used, so buy and sell never share
// a venue. Caller holds d.mu.
func (d *Detector) scan() (buy, sell domain.BestQuote, ok bool) {
	var asks, bids []domain.BestQuote
	for _, q := range d.quotes {
		if q.Ask.Valid {
			asks = append(asks, q)
		}
		if q.Bid.Valid {
			bids = append(bids, q)
		}
	}
	if len(asks) == 0 || len(bids) == 0 {
		return buy, sell, false
	}

	sort.Slice(asks, func(i, j int) bool {
		if c := asks[i].Ask.Decimal.Cmp(asks[j].Ask.Decimal); c != 0 {
			return c < 0
		}
		return asks[i].Exchange < asks[j].Exchange
	})
	sort.Slice(bids, func(i, j int) bool {
		if c := bids[i].Bid.Decimal.Cmp(bids[j].Bid.Decimal); c != 0 {
			return c > 0
		}
		return bids[i].Exchange < bids[j].Exchange
	})

	if asks[0].Exchange != bids[0].Exchange {
		return asks[0], bids[0], true
	}

	var pairs [][2]domain.BestQuote
	if len(bids) > 1 {
		pairs = append(pairs, [2]domain.BestQuote{asks[0], bids[1]})
	}
	if len(asks) > 1 {
		pairs = append(pairs, [2]domain.BestQuote{asks[1], bids[0]})
	}
	if len(pairs) == 0 {
		return buy, sell, false
	}
	best := pairs[0]
	for _, p := range pairs[1:] {
		if spread(p).GreaterThan(spread(best)) {
			best = p
		}
	}
	return best[0], best[1], true
}

func spread(p [2]domain.BestQuote) decimal.Decimal {
	return p[1].Bid.Decimal.Sub(p[0].Ask.Decimal)
}
