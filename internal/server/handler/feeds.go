package handler

import (
	"net/http"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/feed"
)

// FeedSource lists the feed sessions. *feed.Supervisor satisfies it.
type FeedSource interface {
	Statuses() []feed.SessionInfo
}

// QuoteSource lists the detector's current view. *arbitrage.Detector
// satisfies it.
type QuoteSource interface {
	Quotes() []domain.BestQuote
}

// FeedHandler serves feed and quote status.
type FeedHandler struct {
	feeds  FeedSource
	quotes QuoteSource
}

// NewFeedHandler creates a FeedHandler.
func NewFeedHandler(feeds FeedSource, quotes QuoteSource) *FeedHandler {
	return &FeedHandler{feeds: feeds, quotes: quotes}
}

// ListFeeds returns one entry per exchange session.
// GET /api/feeds
func (h *FeedHandler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	infos := h.feeds.Statuses()
	if infos == nil {
		infos = []feed.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": infos})
}

// ListQuotes returns the best quote the detector holds for each exchange.
// GET /api/quotes
func (h *FeedHandler) ListQuotes(w http.ResponseWriter, r *http.Request) {
	quotes := h.quotes.Quotes()
	if quotes == nil {
		quotes = []domain.BestQuote{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": quotes})
}
