package venue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// MidsFeed keeps a live mid-price snapshot via the venue websocket. Scans
// consume the snapshot when it is fresh enough and fall back to REST when
// it is not, so the feed is an optimization, never a dependency.
type MidsFeed struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	snapMu    sync.RWMutex
	mids      map[string]decimal.Decimal
	updatedAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type wsRequest struct {
	Method       string         `json:"method"`
	Subscription map[string]any `json:"subscription,omitempty"`
}

type wsMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Mids map[string]string `json:"mids"`
	} `json:"data"`
}

// NewMidsFeed creates a feed for the given websocket endpoint.
func NewMidsFeed(url string) *MidsFeed {
	return &MidsFeed{
		url:    url,
		mids:   make(map[string]decimal.Decimal),
		stopCh: make(chan struct{}),
	}
}

// Start dials the websocket and subscribes to the all-mids channel.
func (f *MidsFeed) Start() error {
	if err := f.connect(); err != nil {
		return err
	}
	go f.pingLoop()
	log.Info().Str("url", f.url).Msg("📡 Mid-price feed connected")
	return nil
}

func (f *MidsFeed) connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connected {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	sub := wsRequest{
		Method:       "subscribe",
		Subscription: map[string]any{"type": "allMids"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	f.conn = conn
	f.connected = true
	go f.readMessages(conn)
	return nil
}

// Snapshot returns a copy of the current mids and when they last updated.
func (f *MidsFeed) Snapshot() (map[string]decimal.Decimal, time.Time) {
	f.snapMu.RLock()
	defer f.snapMu.RUnlock()

	out := make(map[string]decimal.Decimal, len(f.mids))
	for k, v := range f.mids {
		out[k] = v
	}
	return out, f.updatedAt
}

// Fresh returns the snapshot only if it updated within maxAge.
func (f *MidsFeed) Fresh(maxAge time.Duration) (map[string]decimal.Decimal, bool) {
	mids, at := f.Snapshot()
	if at.IsZero() || time.Since(at) > maxAge || len(mids) == 0 {
		return nil, false
	}
	return mids, true
}

func (f *MidsFeed) readMessages(conn *websocket.Conn) {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
				return
			default:
			}
			log.Error().Err(err).Msg("Mid-price feed read error")
			f.handleDisconnect(conn)
			return
		}

		f.handleMessage(message)
	}
}

func (f *MidsFeed) handleMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Channel != "allMids" {
		return
	}

	f.snapMu.Lock()
	defer f.snapMu.Unlock()
	for symbol, raw := range msg.Data.Mids {
		px, err := decimal.NewFromString(raw)
		if err != nil || !px.IsPositive() {
			continue
		}
		f.mids[symbol] = px
	}
	f.updatedAt = time.Now()
}

// handleDisconnect tears the old transport down completely before dialing a
// new one, so reader goroutines never accumulate.
func (f *MidsFeed) handleDisconnect(old *websocket.Conn) {
	f.mu.Lock()
	if f.conn == old {
		f.connected = false
		f.conn.Close()
		f.conn = nil
	}
	f.mu.Unlock()

	backoff := 5 * time.Second
	for {
		select {
		case <-f.stopCh:
			return
		case <-time.After(backoff):
		}

		log.Warn().Msg("Mid-price feed disconnected, reconnecting...")
		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Mid-price feed reconnect failed")
			if backoff < time.Minute {
				backoff *= 2
			}
			continue
		}
		log.Info().Msg("📡 Mid-price feed reconnected")
		return
	}
}

func (f *MidsFeed) pingLoop() {
	ticker := time.NewTicker(45 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.Lock()
			if f.connected && f.conn != nil {
				if err := f.conn.WriteJSON(wsRequest{Method: "ping"}); err != nil {
					log.Warn().Err(err).Msg("Mid-price feed ping failed")
				}
			}
			f.mu.Unlock()
		}
	}
}

// Stop closes the feed.
func (f *MidsFeed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.conn != nil {
			f.conn.Close()
		}
		f.connected = false
	})
}
