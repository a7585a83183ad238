package exchange

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"trader/internal/schema"
)

const defaultRequestTimeout = 15 * time.Second

// RestClient implements Transport against a GDAX-style REST trading API.
type RestClient struct {
	client   *http.Client
	signer   *Signer
	baseURL  string
	registry *schema.Registry
}

// NewRestClient creates a REST transport.
func NewRestClient(client *http.Client, signer *Signer, baseURL string, registry *schema.Registry) *RestClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &RestClient{
		client:   client,
		signer:   signer,
		baseURL:  baseURL,
		registry: registry,
	}
}

type wireOrder struct {
	ID            string `json:"id"`
	ClientOID     string `json:"client_oid"`
	ProductID     string `json:"product_id"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	DoneReason    string `json:"done_reason"`
	RejectReason  string `json:"reject_reason"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	FilledSize    string `json:"filled_size"`
	ExecutedValue string `json:"executed_value"`
}

type wireFill struct {
	TradeID   int64  `json:"trade_id"`
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Fee       string `json:"fee"`
	Side      string `json:"side"`
	CreatedAt string `json:"created_at"`
}

// PlaceOrder submits a new order carrying the client order ID as the
// exchange-side idempotency token.
func (c *RestClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderAck, error) {
	body := map[string]string{
		"client_oid": req.ClientOrderID,
		"product_id": req.ProductID,
		"side":       wireSide(req.Side),
		"type":       wireType(req.Type),
		"size":       req.Size,
	}
	if req.Type == schema.OrderTypeLimit {
		body["price"] = req.Price
		body["time_in_force"] = wireTIF(req.TimeInForce)
	}
	payload, err := sonic.ConfigFastest.Marshal(body)
	if err != nil {
		return PlaceOrderAck{}, err
	}

	resp, data, err := c.do(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		return PlaceOrderAck{}, err
	}
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var order wireOrder
		if err := sonic.ConfigFastest.Unmarshal(data, &order); err != nil {
			return PlaceOrderAck{}, errors.Wrap(err, "decode place order response")
		}
		return PlaceOrderAck{ExchangeOrderID: order.ID, Accepted: true}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return PlaceOrderAck{}, errors.Wrap(ErrTransient, "place order status "+strconv.Itoa(resp.StatusCode))
	default:
		return PlaceOrderAck{Accepted: false, RejectReason: rejectMessage(data)}, nil
	}
}

// CancelOrder cancels by client order ID.
func (c *RestClient) CancelOrder(ctx context.Context, clientOrderID string) (CancelAck, error) {
	resp, data, err := c.do(ctx, http.MethodDelete, "/orders/client:"+clientOrderID, nil)
	if err != nil {
		return CancelAck{}, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return CancelAck{Cancelled: true}, nil
	case resp.StatusCode == http.StatusNotFound:
		return CancelAck{}, errors.Wrap(ErrNotFound, "cancel "+clientOrderID)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return CancelAck{}, errors.Wrap(ErrTransient, "cancel status "+strconv.Itoa(resp.StatusCode))
	default:
		return CancelAck{}, errors.New("cancel rejected: " + rejectMessage(data))
	}
}

// QueryOrder fetches the authoritative order state, including fills the
// local ledger may have missed.
func (c *RestClient) QueryOrder(ctx context.Context, clientOrderID string) (schema.OrderStatus, error) {
	resp, data, err := c.do(ctx, http.MethodGet, "/orders/client:"+clientOrderID, nil)
	if err != nil {
		return schema.OrderStatus{}, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return schema.OrderStatus{ClientOrderID: clientOrderID, Kind: schema.StatusNotFound}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return schema.OrderStatus{}, errors.Wrap(ErrTransient, "query status "+strconv.Itoa(resp.StatusCode))
	default:
		return schema.OrderStatus{}, errors.New("query rejected: " + rejectMessage(data))
	}

	var order wireOrder
	if err := sonic.ConfigFastest.Unmarshal(data, &order); err != nil {
		return schema.OrderStatus{}, errors.Wrap(err, "decode order response")
	}
	status, err := c.toStatus(clientOrderID, order)
	if err != nil {
		return schema.OrderStatus{}, err
	}
	if status.FilledQty > 0 && order.ID != "" {
		fills, err := c.listFills(ctx, clientOrderID, order)
		if err != nil {
			logs.Errorf("list fills for %s, err: %+v", clientOrderID, err)
		} else {
			status.Fills = fills
		}
	}
	return status, nil
}

// ListOpenOrders fetches every order the exchange still considers live.
func (c *RestClient) ListOpenOrders(ctx context.Context) ([]schema.OrderStatus, error) {
	resp, data, err := c.do(ctx, http.MethodGet, "/orders?status=open", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, errors.Wrap(ErrTransient, "list orders status "+strconv.Itoa(resp.StatusCode))
		}
		return nil, errors.New("list orders rejected: " + rejectMessage(data))
	}
	var orders []wireOrder
	if err := sonic.ConfigFastest.Unmarshal(data, &orders); err != nil {
		return nil, errors.Wrap(err, "decode open orders response")
	}
	out := make([]schema.OrderStatus, 0, len(orders))
	for _, order := range orders {
		status, err := c.toStatus(order.ClientOID, order)
		if err != nil {
			logs.Errorf("normalize open order %s, err: %+v", order.ID, err)
			continue
		}
		out = append(out, status)
	}
	return out, nil
}

func (c *RestClient) listFills(ctx context.Context, clientOrderID string, order wireOrder) ([]schema.Fill, error) {
	resp, data, err := c.do(ctx, http.MethodGet, "/fills?order_id="+order.ID, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("list fills status " + strconv.Itoa(resp.StatusCode))
	}
	var fills []wireFill
	if err := sonic.ConfigFastest.Unmarshal(data, &fills); err != nil {
		return nil, errors.Wrap(err, "decode fills response")
	}

	symbolID, scale, ok := c.symbolScale(order.ProductID)
	if !ok {
		return nil, errors.New("unknown product: " + order.ProductID)
	}
	out := make([]schema.Fill, 0, len(fills))
	for _, f := range fills {
		price, err := scale.ParsePrice(f.Price)
		if err != nil {
			return nil, err
		}
		qty, err := scale.ParseQuantity(f.Size)
		if err != nil {
			return nil, err
		}
		ts := int64(0)
		if t, err := time.Parse(time.RFC3339Nano, f.CreatedAt); err == nil {
			ts = t.UnixNano()
		}
		out = append(out, schema.Fill{
			ClientOrderID:   clientOrderID,
			ExchangeFillID:  strconv.FormatInt(f.TradeID, 10),
			SymbolID:        symbolID,
			Side:            parseSide(f.Side),
			Price:           price,
			Qty:             qty,
			Seq:             uint64(f.TradeID),
			Time:            ts,
		})
	}
	return out, nil
}

func (c *RestClient) toStatus(clientOrderID string, order wireOrder) (schema.OrderStatus, error) {
	symbolID, scale, ok := c.symbolScale(order.ProductID)
	if !ok {
		return schema.OrderStatus{}, errors.New("unknown product: " + order.ProductID)
	}
	filled, err := scale.ParseQuantity(order.FilledSize)
	if err != nil {
		return schema.OrderStatus{}, err
	}
	qty, err := scale.ParseQuantity(order.Size)
	if err != nil {
		return schema.OrderStatus{}, err
	}
	price, err := scale.ParsePrice(order.Price)
	if err != nil {
		return schema.OrderStatus{}, err
	}
	kind := schema.StatusUnknown
	switch order.Status {
	case "pending":
		kind = schema.StatusPending
	case "open", "active":
		kind = schema.StatusOpen
	case "rejected":
		kind = schema.StatusRejected
	case "done", "settled":
		switch order.DoneReason {
		case "filled":
			kind = schema.StatusFilled
		case "canceled", "cancelled":
			kind = schema.StatusCancelled
		}
	}
	orderType := schema.OrderTypeLimit
	if order.Type == "market" {
		orderType = schema.OrderTypeMarket
	}
	return schema.OrderStatus{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: order.ID,
		Kind:            kind,
		SymbolID:        symbolID,
		Side:            parseSide(order.Side),
		Type:            orderType,
		Price:           price,
		Qty:             qty,
		FilledQty:       filled,
	}, nil
}

func (c *RestClient) symbolScale(productID string) (schema.SymbolID, schema.ScaleSpec, bool) {
	id, ok := c.registry.SymbolIDByName(productID)
	if !ok {
		return 0, schema.ScaleSpec{}, false
	}
	sym, ok := c.registry.Symbol(id)
	if !ok {
		return 0, schema.ScaleSpec{}, false
	}
	return id, sym.Scale, true
}

// do issues a signed request. Transport-level failures are reported as
// ErrAmbiguous: the response may have been lost after the exchange acted.
func (c *RestClient) do(ctx context.Context, method, requestPath string, payload []byte) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, body)
	if err != nil {
		return nil, nil, err
	}
	if c.signer != nil {
		for k, v := range c.signer.Headers(method, requestPath, string(payload)) {
			req.Header.Set(k, v)
		}
	} else {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(ErrAmbiguous, err.Error())
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrap(ErrAmbiguous, err.Error())
	}
	return resp, data, nil
}

func rejectMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := sonic.ConfigFastest.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(data)
}

func wireSide(side schema.OrderSide) string {
	if side == schema.OrderSideSell {
		return "sell"
	}
	return "buy"
}

func wireType(t schema.OrderType) string {
	if t == schema.OrderTypeMarket {
		return "market"
	}
	return "limit"
}

func wireTIF(tif schema.TimeInForce) string {
	switch tif {
	case schema.TimeInForceIOC:
		return "IOC"
	case schema.TimeInForceFOK:
		return "FOK"
	default:
		return "GTC"
	}
}

func parseSide(side string) schema.OrderSide {
	if side == "sell" {
		return schema.OrderSideSell
	}
	return schema.OrderSideBuy
}
