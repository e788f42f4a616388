package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// tradeUpdateFrame mirrors Alpaca's trade_updates streaming message.
type tradeUpdateFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Event string `json:"event"`
		Order struct {
			ID           string `json:"id"`
			Symbol       string `json:"symbol"`
			FilledQty    string `json:"filled_qty"`
			FilledAvgPrice *string `json:"filled_avg_price"`
			Status       string `json:"status"`
		} `json:"order"`
	} `json:"data"`
}

// runOrderStream connects to Alpaca's trade-update websocket and forwards
// fill events onto ch until ctx is cancelled, at which point it closes the
// socket and ch. Reconnection uses an exponential backoff starting at one
// second and doubling after each failed dial until it exceeds 30 seconds; a persistent
// failure to connect leaves ch silent (the order poll loop remains the
// fallback source of truth per §4.6).
func (g *AlpacaGateway) runOrderStream(ctx context.Context, accountID string, ch chan<- OrderUpdate) {
	defer func() {
		g.streamsMu.Lock()
		delete(g.streams, accountID)
		g.streamsMu.Unlock()
		close(ch)
	}()

	streamURL := strings.Replace(g.dataURL, "https://", "wss://", 1) + "/stream"

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
		if err != nil {
			g.log.WithError(err).WithField("account", accountID).Warn("order stream dial failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		g.pumpOrderStream(ctx, conn, accountID, ch)
		conn.Close()
	}
}

func (g *AlpacaGateway) pumpOrderStream(ctx context.Context, conn *websocket.Conn, accountID string, ch chan<- OrderUpdate) {
	auth := map[string]any{
		"action": "authenticate",
		"data": map[string]string{
			"key_id":     g.apiKey,
			"secret_key": g.secretKey,
		},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return
	}
	if err := conn.WriteJSON(map[string]any{"action": "listen", "data": map[string]any{"streams": []string{"trade_updates"}}}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		var frame tradeUpdateFrame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-done:
			default:
				g.log.WithError(err).WithField("account", accountID).Debug("order stream read ended")
			}
			return
		}
		if frame.Data.Order.ID == "" {
			continue
		}

		filledQty := parseFloatSafe(frame.Data.Order.FilledQty)
		var avgPrice float64
		if frame.Data.Order.FilledAvgPrice != nil {
			avgPrice = parseFloatSafe(*frame.Data.Order.FilledAvgPrice)
		}

		update := OrderUpdate{
			AccountID:      accountID,
			BrokerOrderID:  frame.Data.Order.ID,
			InstrumentID:   frame.Data.Order.Symbol,
			Status:         frame.Data.Order.Status,
			FilledQty:      filledQty,
			FilledAvgPrice: avgPrice,
			Timestamp:      time.Now(),
		}

		select {
		case ch <- update:
		case <-ctx.Done():
			return
		default:
			g.log.WithField("account", accountID).Warn("order stream channel full, dropping update")
		}
	}
}

func parseFloatSafe(s string) float64 {
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0
	}
	return f
}
