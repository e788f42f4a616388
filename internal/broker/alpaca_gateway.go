package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	alpaca "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/sirupsen/logrus"

	"deltabridge/internal/apperr"
	"deltabridge/internal/models"
)

// AlpacaGateway is the live Gateway implementation. Order/position/cancel
// calls go through the alpacahq trading SDK; option chain and quote calls
// go through Alpaca's options market-data REST API directly, the same
// APCA-header HTTP pattern the teacher's AlpacaOptionsDataService uses,
// since the trading SDK does not expose that surface.
type AlpacaGateway struct {
	trading   *alpaca.Client
	apiKey    string
	secretKey string
	dataURL   string
	client    *http.Client
	limiters  *limiterRegistry
	log       *logrus.Entry

	chainCache *ttlCache[*Chain]

	streams   map[string]chan OrderUpdate
	streamsMu sync.Mutex
}

// NewAlpacaGateway builds a gateway bound to a single opaque
// BrokerSession's credentials. Credential storage and refresh are the
// caller's concern (out of scope for this package); this constructor only
// takes the resolved key pair.
func NewAlpacaGateway(apiKey, secretKey, tradingBaseURL, dataBaseURL string, log *logrus.Entry) *AlpacaGateway {
	tradingClient := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: secretKey,
		BaseURL:   tradingBaseURL,
	})

	return &AlpacaGateway{
		trading:    tradingClient,
		apiKey:     apiKey,
		secretKey:  secretKey,
		dataURL:    dataBaseURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		limiters:   newLimiterRegistry(20, 5), // 20 burst, 5/s refill: a conservative default under Alpaca's published caps
		log:        log,
		chainCache: newTTLCache[*Chain](60 * time.Second),
		streams:    make(map[string]chan OrderUpdate),
	}
}

func (g *AlpacaGateway) authHeaders(req *http.Request) {
	req.Header.Set("APCA-API-KEY-ID", g.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", g.secretKey)
}

func (g *AlpacaGateway) rateLimit(ctx context.Context, accountID string) error {
	return g.limiters.forAccount(accountID).Wait(ctx)
}

// alpacaOptionSnapshot mirrors the subset of Alpaca's options snapshot
// response the gateway needs.
type alpacaOptionSnapshot struct {
	Snapshots map[string]struct {
		LatestQuote struct {
			BidPrice float64 `json:"bp"`
			AskPrice float64 `json:"ap"`
		} `json:"latestQuote"`
		LatestTrade struct {
			Price float64 `json:"p"`
		} `json:"latestTrade"`
		Greeks struct {
			Delta float64 `json:"delta"`
		} `json:"greeks"`
	} `json:"snapshots"`
}

// GetQuote fetches a single-shot live quote for an option instrument.
func (g *AlpacaGateway) GetQuote(ctx context.Context, instrumentID string) (*models.QuoteSnapshot, error) {
	if err := g.rateLimit(ctx, "market-data"); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta1/options/snapshots/%s", g.dataURL, instrumentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "build quote request", err)
	}
	g.authHeaders(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyHTTPStatus(resp.StatusCode, string(body))
	}

	var snap alpacaOptionSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformed, "decode quote snapshot", err)
	}

	s, ok := snap.Snapshots[instrumentID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "no snapshot for "+instrumentID)
	}

	mark := (s.LatestQuote.BidPrice + s.LatestQuote.AskPrice) / 2
	return &models.QuoteSnapshot{
		InstrumentID: instrumentID,
		Bid:          s.LatestQuote.BidPrice,
		Ask:          s.LatestQuote.AskPrice,
		Last:         s.LatestTrade.Price,
		Mark:         mark,
		Delta:        s.Greeks.Delta,
		Timestamp:    time.Now(),
	}, nil
}

type alpacaContractsResponse struct {
	OptionContracts []struct {
		Symbol           string  `json:"symbol"`
		UnderlyingSymbol string  `json:"underlying_symbol"`
		ExpirationDate   string  `json:"expiration_date"`
		StrikePrice      float64 `json:"strike_price"`
		Type             string  `json:"type"`
		OpenInterest     int64   `json:"open_interest"`
		Size             string  `json:"size"`
	} `json:"option_contracts"`
	NextPageToken string `json:"next_page_token"`
}

// GetOptionChain fetches contracts for underlying, optionally filtered to
// a single expiry, and caches the result for up to 60s per (underlying,
// expiry) key.
func (g *AlpacaGateway) GetOptionChain(ctx context.Context, underlying string, expiryFilter *time.Time) (*Chain, error) {
	cacheKey := underlying
	if expiryFilter != nil {
		cacheKey += "|" + expiryFilter.Format("2006-01-02")
	}
	if cached, ok := g.chainCache.Get(cacheKey); ok {
		return cached, nil
	}

	if err := g.rateLimit(ctx, "market-data"); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta1/options/contracts?underlying_symbols=%s", g.dataURL, underlying)
	if expiryFilter != nil {
		url += "&expiration_date=" + expiryFilter.Format("2006-01-02")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "build chain request", err)
	}
	g.authHeaders(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyHTTPStatus(resp.StatusCode, string(body))
	}

	var raw alpacaContractsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformed, "decode chain response", err)
	}

	chain := &Chain{Underlying: underlying, FetchedAt: time.Now()}
	for _, c := range raw.OptionContracts {
		expDate, _ := time.Parse("2006-01-02", c.ExpirationDate)
		right := models.RightCall
		if c.Type == "put" {
			right = models.RightPut
		}
		chain.Contracts = append(chain.Contracts, models.OptionContract{
			InstrumentID: c.Symbol,
			Underlying:   c.UnderlyingSymbol,
			Expiry:       expDate,
			Strike:       c.StrikePrice,
			Right:        right,
			TickSize:     0.01,
			Multiplier:   100,
		})
	}

	g.chainCache.Set(cacheKey, chain)
	g.log.WithFields(logrus.Fields{"underlying": underlying, "count": len(chain.Contracts)}).Debug("fetched option chain")
	return chain, nil
}

// GetPositions returns the authoritative broker position list with Greeks.
func (g *AlpacaGateway) GetPositions(ctx context.Context, accountID, currency string) ([]models.Position, error) {
	if err := g.rateLimit(ctx, accountID); err != nil {
		return nil, err
	}

	positions, err := g.trading.GetPositions()
	if err != nil {
		return nil, translateSDKErr(err)
	}

	out := make([]models.Position, 0, len(positions))
	for _, p := range positions {
		qty, _ := p.Qty.Float64()
		avg, _ := p.AvgEntryPrice.Float64()
		mark, _ := p.CurrentPrice.Float64()
		unreal, _ := p.UnrealizedPL.Float64()
		out = append(out, models.Position{
			AccountID:    accountID,
			InstrumentID: p.Symbol,
			Underlying:   p.Symbol,
			Qty:          qty,
			AvgPrice:     avg,
			MarkPrice:    mark,
			UnrealizedPL: unreal,
		})
	}
	return out, nil
}

// GetOpenOrders returns the broker's current open order list for the
// account.
func (g *AlpacaGateway) GetOpenOrders(ctx context.Context, accountID string) ([]models.OpenOrder, error) {
	if err := g.rateLimit(ctx, accountID); err != nil {
		return nil, err
	}

	status := "open"
	orders, err := g.trading.GetOrders(alpaca.GetOrdersRequest{Status: status})
	if err != nil {
		return nil, translateSDKErr(err)
	}

	out := make([]models.OpenOrder, 0, len(orders))
	for _, o := range orders {
		qty, _ := o.Qty.Float64()
		filled, _ := o.FilledQty.Float64()
		var limit float64
		if o.LimitPrice != nil {
			limit, _ = o.LimitPrice.Float64()
		}
		side := models.SideBuy
		if string(o.Side) == "sell" {
			side = models.SideSell
		}
		out = append(out, models.OpenOrder{
			AccountID:     accountID,
			BrokerOrderID: o.ID,
			InstrumentID:  o.Symbol,
			Side:          side,
			Qty:           qty,
			LimitPrice:    limit,
			FilledQty:     filled,
			Status:        string(o.Status),
			PlacedAt:      o.SubmittedAt,
		})
	}
	return out, nil
}

// PlaceOrder submits a limit or market order. The idempotency key is
// passed as Alpaca's client_order_id so a caller-driven retry of the same
// key never double-submits.
func (g *AlpacaGateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	if err := g.rateLimit(ctx, req.AccountID); err != nil {
		return "", err
	}

	orderType := alpaca.Limit
	if req.Market {
		orderType = alpaca.Market
	}
	side := alpaca.Buy
	if req.Side == models.SideSell {
		side = alpaca.Sell
	}

	qty := decimalFromFloat(req.Size)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.InstrumentID,
		Qty:           &qty,
		Side:          side,
		Type:          orderType,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.IdempotencyKey,
	}
	if !req.Market {
		limit := decimalFromFloat(req.LimitPrice)
		placeReq.LimitPrice = &limit
	}

	order, err := g.trading.PlaceOrder(placeReq)
	if err != nil {
		return "", translateSDKErr(err)
	}

	return order.ID, nil
}

// CancelOrder cancels a working order, translating Alpaca's "already
// filled or already cancelled" responses into the CancelResult enum
// callers branch on instead of an error.
func (g *AlpacaGateway) CancelOrder(ctx context.Context, accountID, brokerOrderID string) (models.CancelResult, error) {
	if err := g.rateLimit(ctx, accountID); err != nil {
		return "", err
	}

	err := g.trading.CancelOrder(brokerOrderID)
	if err == nil {
		return models.CancelCancelled, nil
	}

	ae := translateSDKErr(err)
	switch ae.Kind {
	case apperr.KindNotFound:
		return models.CancelNotFound, nil
	case apperr.KindRejectedByBroker:
		// Alpaca returns 422 for "order not in a cancelable state",
		// which for our purposes means it already filled.
		return models.CancelAlreadyFilled, nil
	default:
		return "", ae
	}
}

// GetUSSymbols returns the bulk US-equity symbol listing. The listing is
// fetched from the broker on every call; it is not cached.
func (g *AlpacaGateway) GetUSSymbols(ctx context.Context, accountID string) ([]string, error) {
	if err := g.rateLimit(ctx, accountID); err != nil {
		return nil, err
	}

	assets, err := g.trading.GetAssets(alpaca.GetAssetsRequest{Status: "active"})
	if err != nil {
		return nil, translateSDKErr(err)
	}

	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		if a.Tradable {
			symbols = append(symbols, a.Symbol)
		}
	}
	return symbols, nil
}

// Ping fetches the account resource, the cheapest authenticated call the
// trading SDK exposes, to confirm both connectivity and credentials remain
// valid.
func (g *AlpacaGateway) Ping(ctx context.Context) error {
	if _, err := g.trading.GetAccount(); err != nil {
		return translateSDKErr(err)
	}
	return nil
}

// OrderUpdates lazily starts a websocket subscription to Alpaca's trade
// update stream for the account and fans it into a per-account channel.
// The stream is the transport for the engine's push-based fill
// observation (see internal/broker/stream.go).
func (g *AlpacaGateway) OrderUpdates(ctx context.Context, accountID string) (<-chan OrderUpdate, error) {
	g.streamsMu.Lock()
	defer g.streamsMu.Unlock()

	if ch, ok := g.streams[accountID]; ok {
		return ch, nil
	}

	ch := make(chan OrderUpdate, 32)
	g.streams[accountID] = ch

	go g.runOrderStream(ctx, accountID, ch)

	return ch, nil
}
