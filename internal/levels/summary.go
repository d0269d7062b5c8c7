package levels

import "market-structure-lab/internal/domain"

// BookSummary is the aggregate view of one snapshot.
type BookSummary struct {
	BidQuantity float64 // total resting bid quantity
	AskQuantity float64 // total resting ask quantity
	BestBid     float64
	BestAsk     float64
	Imbalance   float64 // (bid - ask) / (bid + ask), 0 for an empty book
}

// Summarize computes totals and the best prices of a snapshot.
func Summarize(snap *domain.OrderBookSnapshot) BookSummary {
	var s BookSummary
	if snap == nil {
		return s
	}

	for _, l := range snap.Bids {
		s.BidQuantity += l.Quantity
	}
	for _, l := range snap.Asks {
		s.AskQuantity += l.Quantity
	}
	if p, ok := bestPrice(snap.Bids, domain.BookSideBid); ok {
		s.BestBid = p
	}
	if p, ok := bestPrice(snap.Asks, domain.BookSideAsk); ok {
		s.BestAsk = p
	}
	if total := s.BidQuantity + s.AskQuantity; total > 0 {
		s.Imbalance = (s.BidQuantity - s.AskQuantity) / total
	}
	return s
}
