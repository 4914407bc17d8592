package exchange

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsClient is the shared WebSocket plumbing every venue adapter's
// OpenTickerStream builds on: dial, read loop with a read-deadline reset on
// every pong, and a ping loop to keep the connection alive. Grounded on
// BinanceConnector in internal/exchanges/binance.go, generalized so the
// per-venue adapters only supply the URL, subscribe payload (if any), and a
// message decoder.
type wsClient struct {
	venue  string
	logger *zap.Logger
	dialer websocket.Dialer
}

func newWSClient(venue string, logger *zap.Logger) *wsClient {
	return &wsClient{
		venue:  venue,
		logger: logger.Named("ws").With(zap.String("venue", venue)),
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// decodeFunc turns one raw WebSocket frame into zero or more ticks, calling
// emit for each. It returns an error only for frames the adapter cannot
// make sense of at all; unrecognized-but-harmless frames (subscribe acks,
// heartbeats) should simply emit nothing and return nil.
type decodeFunc func(raw []byte, emit func(Tick)) error

// run dials url, optionally sends subscribeMsg once connected, then reads
// frames until ctx is done or the connection errors. It always returns a
// non-nil *Error so callers can branch on class.
func (c *wsClient) run(ctx context.Context, url string, subscribeMsg []byte, decode decodeFunc, handler TickHandler) error {
	headers := http.Header{}
	headers.Set("User-Agent", "momentumd/1.0")

	conn, _, err := c.dialer.DialContext(ctx, url, headers)
	if err != nil {
		return newErr(ClassNetworkTransient, c.venue, "dial", err)
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	if subscribeMsg != nil {
		if err := conn.WriteMessage(websocket.TextMessage, subscribeMsg); err != nil {
			return newErr(ClassNetworkTransient, c.venue, "subscribe", err)
		}
	}

	done := make(chan struct{})
	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.logger.Debug("ping failed", zap.Error(err))
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(done)
		for {
			msgType, raw, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-ctx.Done():
					errCh <- newErr(ClassCancelled, c.venue, "read", ctx.Err())
				default:
					errCh <- newErr(ClassNetworkTransient, c.venue, "read", err)
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			if err := decode(raw, func(t Tick) { handler(t) }); err != nil {
				c.logger.Debug("discarding unrecognized frame", zap.Error(err))
			}
		}
	}()

	<-done
	select {
	case err := <-errCh:
		return err
	default:
		return newErr(ClassNetworkTransient, c.venue, "read", fmt.Errorf("stream ended"))
	}
}
