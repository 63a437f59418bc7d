package exchange

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// APISnapshot is the body of GET /api/v3/depth.
type APISnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// APIDepthEvent is one depthUpdate frame.
type APIDepthEvent struct {
	EventType         string     `json:"e"`
	EventTime         int64      `json:"E"`
	Symbol            string     `json:"s"`
	FirstUpdateID     int64      `json:"U"`
	FinalUpdateID     int64      `json:"u"`
	PrevFinalUpdateID int64      `json:"pu"`
	Bids              [][]string `json:"b"`
	Asks              [][]string `json:"a"`
}

// envelope is the combined-stream wrapper some venues put around events.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// ToDomain validates the snapshot and converts it.
func (s *APISnapshot) ToDomain() (domain.Snapshot, error) {
	bids, err := parseLevels(s.Bids)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(s.Asks)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("asks: %w", err)
	}
	return domain.Snapshot{LastUpdateID: s.LastUpdateID, Bids: bids, Asks: asks}, nil
}

// ToDomain validates the event and converts it.
func (e *APIDepthEvent) ToDomain() (domain.DepthEvent, error) {
	if e.FirstUpdateID > e.FinalUpdateID {
		return domain.DepthEvent{}, fmt.Errorf("U %d > u %d", e.FirstUpdateID, e.FinalUpdateID)
	}
	bids, err := parseLevels(e.Bids)
	if err != nil {
		return domain.DepthEvent{}, fmt.Errorf("b: %w", err)
	}
	asks, err := parseLevels(e.Asks)
	if err != nil {
		return domain.DepthEvent{}, fmt.Errorf("a: %w", err)
	}
	ev := domain.DepthEvent{
		EventType:         e.EventType,
		Symbol:            e.Symbol,
		FirstUpdateID:     e.FirstUpdateID,
		FinalUpdateID:     e.FinalUpdateID,
		PrevFinalUpdateID: e.PrevFinalUpdateID,
		Bids:              bids,
		Asks:              asks,
	}
	if e.EventTime > 0 {
		ev.EventTime = time.UnixMilli(e.EventTime).UTC()
	}
	return ev, nil
}

// DecodeDepthEvent parses a stream frame, enveloped or raw. Every failure
// wraps domain.ErrMalformedMessage.
func DecodeDepthEvent(raw []byte) (domain.DepthEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.DepthEvent{}, fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)
	}
	body := raw
	if len(env.Data) > 0 && string(env.Data) != "null" {
		body = env.Data
	}

	var api APIDepthEvent
	if err := json.Unmarshal(body, &api); err != nil {
		return domain.DepthEvent{}, fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)
	}
	if api.FinalUpdateID == 0 {
		return domain.DepthEvent{}, fmt.Errorf("%w: missing update id", domain.ErrMalformedMessage)
	}
	ev, err := api.ToDomain()
	if err != nil {
		return domain.DepthEvent{}, fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)
	}
	return ev, nil
}

func parseLevels(raw [][]string) ([]domain.Level, error) {
	levels := make([]domain.Level, 0, len(raw))
	for i, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("level %d: want [price, qty], got %d fields", i, len(pair))
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("level %d: price %q: %w", i, pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("level %d: qty %q: %w", i, pair[1], err)
		}
		if qty.IsNegative() {
			return nil, fmt.Errorf("level %d: negative qty %s", i, pair[1])
		}
		levels = append(levels, domain.Level{Price: price, Qty: qty})
	}
	return levels, nil
}
