package notify

import (
	"fmt"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// OpportunityMessage renders an emitted opportunity.
func OpportunityMessage(opp domain.Opportunity) (title, message string) {
	title = fmt.Sprintf("Arbitrage %s -> %s", opp.BuyFrom, opp.SellTo)
	message = fmt.Sprintf("buy %s @ %s, sell %s @ %s, profit %s\nid %s at %s",
		opp.BuyFrom, opp.BuyPrice, opp.SellTo, opp.SellPrice, opp.Profit,
		opp.ID, opp.Timestamp.UTC().Format("2006-01-02 15:04:05.000"),
	)
	return title, message
}

// SessionFailedMessage renders a feed session that gave up.
func SessionFailedMessage(exchange string, err error) (title, message string) {
	return "Feed stopped: " + exchange, fmt.Sprintf("session for %s stopped: %v", exchange, err)
}
