package strategy

import (
	"trader/internal/schema"
)

// QuoterOptions configures a SpreadQuoter.
type QuoterOptions struct {
	OrderSize   schema.Quantity `json:"orderSize"`
	HalfSpread  schema.Price    `json:"halfSpread"`
	RequoteMove schema.Price    `json:"requoteMove"`
	MaxPosition schema.Quantity `json:"maxPosition"`
}

// SpreadQuoter quotes one bid and one ask around the mid price. Quotes
// are replaced when the mid moves past RequoteMove; a side that would
// push the position past MaxPosition is skipped.
type SpreadQuoter struct {
	id       uint32
	symbolID schema.SymbolID
	opt      QuoterOptions
	lastMid  schema.Price
}

// NewSpreadQuoter creates a quoter for one symbol.
func NewSpreadQuoter(id uint32, symbolID schema.SymbolID, opt QuoterOptions) *SpreadQuoter {
	return &SpreadQuoter{id: id, symbolID: symbolID, opt: opt}
}

func (q *SpreadQuoter) OnMarketUpdate(view View, snap schema.MarketSnapshot) []schema.Intent {
	if snap.SymbolID != q.symbolID {
		return nil
	}
	mid := midPrice(snap)
	if mid == 0 {
		return nil
	}

	live := view.Orders()
	if q.lastMid != 0 && absPrice(mid-q.lastMid) < q.opt.RequoteMove && len(live) == 2 {
		return nil
	}
	q.lastMid = mid

	var intents []schema.Intent
	for _, o := range live {
		intents = append(intents, schema.Intent{
			Kind:                schema.IntentCancelOrder,
			StrategyID:          q.id,
			SymbolID:            q.symbolID,
			CancelClientOrderID: o.ClientOrderID,
		})
	}

	pos := view.Position(q.symbolID)
	if q.opt.MaxPosition == 0 || pos+q.opt.OrderSize <= q.opt.MaxPosition {
		intents = append(intents, q.quote(schema.OrderSideBuy, mid-q.opt.HalfSpread))
	}
	if q.opt.MaxPosition == 0 || pos-q.opt.OrderSize >= -q.opt.MaxPosition {
		intents = append(intents, q.quote(schema.OrderSideSell, mid+q.opt.HalfSpread))
	}
	return intents
}

func (q *SpreadQuoter) OnFill(view View, fill schema.Fill) []schema.Intent {
	if fill.SymbolID != q.symbolID {
		return nil
	}
	// force a full requote on the next market update
	q.lastMid = 0
	return nil
}

func (q *SpreadQuoter) quote(side schema.OrderSide, price schema.Price) schema.Intent {
	return schema.Intent{
		Kind:        schema.IntentPlaceOrder,
		StrategyID:  q.id,
		SymbolID:    q.symbolID,
		Side:        side,
		Type:        schema.OrderTypeLimit,
		TimeInForce: schema.TimeInForceGTC,
		Price:       price,
		Qty:         q.opt.OrderSize,
	}
}

func midPrice(snap schema.MarketSnapshot) schema.Price {
	if snap.BidPrice > 0 && snap.AskPrice > 0 {
		return (snap.BidPrice + snap.AskPrice) / 2
	}
	return snap.LastPrice
}

func absPrice(p schema.Price) schema.Price {
	if p < 0 {
		return -p
	}
	return p
}
