package feed

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"trader/internal/exchange"
	"trader/internal/schema"
	"trader/pkg/backoff"
)

// EventSink receives normalized private order events. Satisfied by the
// reconciliation engine.
type EventSink interface {
	Enqueue(ev schema.ExchangeEvent) error
}

// MarketHandler is called after a market snapshot has been applied to
// the store.
type MarketHandler func(snap schema.MarketSnapshot)

// Config controls the websocket feed connection.
type Config struct {
	URL          string          `json:"url"`
	Products     []string        `json:"products"`
	PrivateFeed  bool            `json:"privateFeed"`
	PingInterval time.Duration   `json:"pingInterval"`
	Backoff      backoff.Backoff `json:"backoff"`
}

// Feed maintains a websocket connection to the exchange, normalizes
// ticker updates into market snapshots and private channel messages into
// exchange events. It reconnects with exponential backoff; after a
// reconnect the first snapshot per product supersedes whatever was
// stored.
type Feed struct {
	cfg      Config
	registry *schema.Registry
	signer   *exchange.Signer
	store    *MarketStore
	sink     EventSink
	onMarket MarketHandler

	mu      sync.Mutex
	lastSeq map[string]uint64
}

// New creates a feed. signer may be nil when PrivateFeed is off.
func New(cfg Config, registry *schema.Registry, signer *exchange.Signer, store *MarketStore, sink EventSink) *Feed {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.Backoff.Min <= 0 {
		cfg.Backoff = backoff.Default()
	}
	return &Feed{
		cfg:      cfg,
		registry: registry,
		signer:   signer,
		store:    store,
		sink:     sink,
		lastSeq:  make(map[string]uint64),
	}
}

// SetMarketHandler registers the snapshot notification callback.
func (f *Feed) SetMarketHandler(fn MarketHandler) {
	f.onMarket = fn
}

// Store returns the market snapshot store.
func (f *Feed) Store() *MarketStore {
	return f.store
}

// Run connects and consumes feed messages until the context ends,
// reconnecting on any failure.
func (f *Feed) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := f.dial(ctx)
		if err != nil {
			attempt++
			logs.Errorf("feed dial %s, err: %+v", f.cfg.URL, err)
			sleep(ctx, f.cfg.Backoff.Next(attempt))
			continue
		}

		attempt = 0
		f.resetSequences()
		logs.Infof("feed connected: url=%s products=%d", f.cfg.URL, len(f.cfg.Products))

		err = f.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		logs.Errorf("feed disconnected, err: %+v", err)
		attempt++
		sleep(ctx, f.cfg.Backoff.Next(attempt))
	}
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.cfg.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial feed")
	}
	if err := f.subscribe(conn); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "subscribe")
	}
	return conn, nil
}

type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
	Key        string   `json:"key,omitempty"`
	Signature  string   `json:"signature,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Passphrase string   `json:"passphrase,omitempty"`
}

func (f *Feed) subscribe(conn *websocket.Conn) error {
	req := subscribeRequest{
		Type:       "subscribe",
		ProductIDs: f.cfg.Products,
		Channels:   []string{"ticker", "heartbeat"},
	}
	if f.cfg.PrivateFeed && f.signer != nil {
		req.Channels = append(req.Channels, "user")
		req.Key, req.Signature, req.Timestamp, req.Passphrase = f.signer.SubscribeAuth()
	}
	body, err := sonic.Marshal(req)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, body)
}

func (f *Feed) consume(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go f.keepAlive(ctx, conn, done)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(3 * f.cfg.PingInterval))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handle(raw)
	}
}

func (f *Feed) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// wireMessage covers the union of feed message fields.
type wireMessage struct {
	Type          string `json:"type"`
	ProductID     string `json:"product_id"`
	Sequence      uint64 `json:"sequence"`
	Time          string `json:"time"`
	Message       string `json:"message"`
	Reason        string `json:"reason"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	LastSize      string `json:"last_size"`
	BestBid       string `json:"best_bid"`
	BestBidSize   string `json:"best_bid_size"`
	BestAsk       string `json:"best_ask"`
	BestAskSize   string `json:"best_ask_size"`
	OrderID       string `json:"order_id"`
	ClientOID     string `json:"client_oid"`
	TradeID       uint64 `json:"trade_id"`
	MakerOrderID  string `json:"maker_order_id"`
	TakerOrderID  string `json:"taker_order_id"`
	RemainingSize string `json:"remaining_size"`
}

func (f *Feed) handle(raw []byte) {
	var msg wireMessage
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		logs.Errorf("decode feed message, err: %+v", err)
		return
	}

	switch msg.Type {
	case "ticker":
		f.handleTicker(msg)
	case "heartbeat":
		f.noteSequence(msg.ProductID, msg.Sequence)
	case "received", "open":
		f.emit(schema.ExchangeEvent{
			Kind:            schema.ExchangeEventAck,
			ClientOrderID:   msg.ClientOID,
			ExchangeOrderID: msg.OrderID,
			SymbolID:        f.symbolID(msg.ProductID),
			Seq:             msg.Sequence,
			Time:            parseTime(msg.Time),
		})
	case "match":
		f.handleMatch(msg)
	case "done":
		// filled orders go terminal through their fills
		if msg.Reason == "canceled" {
			f.emit(schema.ExchangeEvent{
				Kind:            schema.ExchangeEventCancel,
				ExchangeOrderID: msg.OrderID,
				SymbolID:        f.symbolID(msg.ProductID),
				Seq:             msg.Sequence,
				Time:            parseTime(msg.Time),
			})
		}
	case "error":
		logs.Errorf("feed error message: %s", msg.Message)
	case "subscriptions":
	default:
	}
}

func (f *Feed) handleTicker(msg wireMessage) {
	symbolID := f.symbolID(msg.ProductID)
	if symbolID == 0 {
		return
	}
	sym, ok := f.registry.Symbol(symbolID)
	if !ok {
		return
	}
	f.noteSequence(msg.ProductID, msg.Sequence)

	snap := schema.MarketSnapshot{
		SymbolID: symbolID,
		Seq:      msg.Sequence,
		Time:     parseTime(msg.Time),
	}
	var err error
	if snap.BidPrice, err = sym.Scale.ParsePrice(msg.BestBid); err != nil {
		logs.Errorf("parse ticker %s bid, err: %+v", msg.ProductID, err)
		return
	}
	if snap.AskPrice, err = sym.Scale.ParsePrice(msg.BestAsk); err != nil {
		logs.Errorf("parse ticker %s ask, err: %+v", msg.ProductID, err)
		return
	}
	if snap.LastPrice, err = sym.Scale.ParsePrice(msg.Price); err != nil {
		logs.Errorf("parse ticker %s price, err: %+v", msg.ProductID, err)
		return
	}
	snap.BidSize, _ = sym.Scale.ParseQuantity(msg.BestBidSize)
	snap.AskSize, _ = sym.Scale.ParseQuantity(msg.BestAskSize)
	snap.LastSize, _ = sym.Scale.ParseQuantity(msg.LastSize)

	if !f.store.Apply(snap) {
		return
	}
	if f.onMarket != nil {
		f.onMarket(snap)
	}
}

func (f *Feed) handleMatch(msg wireMessage) {
	symbolID := f.symbolID(msg.ProductID)
	if symbolID == 0 {
		return
	}
	sym, ok := f.registry.Symbol(symbolID)
	if !ok {
		return
	}
	price, err := sym.Scale.ParsePrice(msg.Price)
	if err != nil {
		logs.Errorf("parse match %s price, err: %+v", msg.ProductID, err)
		return
	}
	qty, err := sym.Scale.ParseQuantity(msg.Size)
	if err != nil {
		logs.Errorf("parse match %s size, err: %+v", msg.ProductID, err)
		return
	}

	// either side of the match may be ours; the ledger resolves by
	// exchange order ID and drops the side it does not know
	for _, orderID := range []string{msg.MakerOrderID, msg.TakerOrderID} {
		if orderID == "" {
			continue
		}
		f.emit(schema.ExchangeEvent{
			Kind:            schema.ExchangeEventFill,
			ExchangeOrderID: orderID,
			ExchangeFillID:  formatTradeID(msg.TradeID, orderID),
			SymbolID:        symbolID,
			Price:           price,
			Qty:             qty,
			Seq:             msg.Sequence,
			Time:            parseTime(msg.Time),
		})
	}
}

func (f *Feed) emit(ev schema.ExchangeEvent) {
	if f.sink == nil {
		return
	}
	if err := f.sink.Enqueue(ev); err != nil {
		logs.Errorf("enqueue feed event kind=%d order=%s, err: %+v", ev.Kind, ev.ExchangeOrderID, err)
	}
}

// noteSequence tracks the feed-level sequence per product and logs gaps.
// Snapshots supersede whole, so a gap degrades freshness, not
// correctness.
func (f *Feed) noteSequence(productID string, seq uint64) {
	if seq == 0 {
		return
	}
	f.mu.Lock()
	last := f.lastSeq[productID]
	if seq > last {
		f.lastSeq[productID] = seq
	}
	f.mu.Unlock()
	if last != 0 && seq > last+1 {
		logs.Infof("feed sequence gap on %s: %d -> %d", productID, last, seq)
	}
}

func (f *Feed) resetSequences() {
	f.mu.Lock()
	f.lastSeq = make(map[string]uint64)
	f.mu.Unlock()
}

func (f *Feed) symbolID(productID string) schema.SymbolID {
	id, _ := f.registry.SymbolIDByName(productID)
	return id
}

func parseTime(text string) int64 {
	if text == "" {
		return time.Now().UTC().UnixNano()
	}
	t, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Now().UTC().UnixNano()
	}
	return t.UnixNano()
}

func formatTradeID(tradeID uint64, orderID string) string {
	if tradeID == 0 {
		return ""
	}
	// a self-trade fills both of our orders; keying the fill ID by order
	// keeps dedup per order
	return "trade-" + strconv.FormatUint(tradeID, 10) + "-" + orderID
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
