package bitfinex

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/stableyield/indexd/internal/domain"
)

const (
	streamWriteWait    = 10 * time.Second
	baseReconnectDelay = time.Second
	maxReconnectDelay  = 30 * time.Second
	streamReadLimit    = 1 << 20
)

// priceStream keeps a websocket ticker subscription open and caches the
// latest tick per symbol. The REST path stays the source of truth; the
// stream only lets FetchPrices skip a round trip when its cache is fresh.
type priceStream struct {
	url string
	log zerolog.Logger

	mu   sync.RWMutex
	last map[string]domain.PriceTick

	cancel context.CancelFunc
	done   chan struct{}
}

func newPriceStream(url string, log zerolog.Logger) *priceStream {
	return &priceStream{
		url:  url,
		log:  log.With().Str("component", "price_stream").Logger(),
		last: make(map[string]domain.PriceTick),
	}
}

// Start launches the connect/read/reconnect loop for the given pairs.
func (s *priceStream) Start(ctx context.Context, pairs []string) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, pairs)
}

// Stop tears the stream down and waits for the read loop to exit.
func (s *priceStream) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Fresh returns one tick per requested symbol if every one of them is newer
// than maxAge. A partial cache reports false so callers fall through to REST.
func (s *priceStream) Fresh(symbols []string, maxAge time.Duration) ([]domain.PriceTick, bool) {
	now := time.Now().UTC()
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticks := make([]domain.PriceTick, 0, len(symbols))
	for _, sym := range symbols {
		norm := domain.NormalizeSymbol(sym)
		if _, tracked := pairForSymbol[norm]; !tracked {
			continue
		}
		tick, ok := s.last[norm]
		if !ok || now.Sub(tick.ObservedAt) > maxAge {
			return nil, false
		}
		ticks = append(ticks, tick)
	}
	return ticks, len(ticks) > 0
}

func (s *priceStream) run(ctx context.Context, pairs []string) {
	defer close(s.done)

	attempt := 0
	for {
		err := s.consume(ctx, pairs)
		if ctx.Err() != nil {
			return
		}

		attempt++
		delay := s.backoff(attempt)
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consume dials, subscribes to every pair's ticker channel and reads until
// the connection drops or ctx is cancelled.
func (s *priceStream) consume(ctx context.Context, pairs []string) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(streamReadLimit)

	for _, pair := range pairs {
		msg, err := json.Marshal(map[string]string{
			"event":   "subscribe",
			"channel": "ticker",
			"symbol":  pair,
		})
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, streamWriteWait)
		err = conn.Write(writeCtx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return err
		}
	}
	s.log.Info().Int("pairs", len(pairs)).Msg("Ticker stream subscribed")

	channels := make(map[int64]string)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		s.handle(data, channels)
	}
}

// handle routes one frame. Objects are protocol events; arrays are channel
// payloads of the form [CHAN_ID, TICKER_FIELDS] with "hb" heartbeats mixed in.
func (s *priceStream) handle(data []byte, channels map[int64]string) {
	if len(data) == 0 {
		return
	}

	if data[0] == '{' {
		var ev struct {
			Event  string `json:"event"`
			ChanID int64  `json:"chanId"`
			Symbol string `json:"symbol"`
			Code   int    `json:"code"`
			Msg    string `json:"msg"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		switch ev.Event {
		case "subscribed":
			channels[ev.ChanID] = ev.Symbol
		case "error":
			s.log.Warn().Int("code", ev.Code).Str("msg", ev.Msg).Msg("Stream protocol error")
		}
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		return
	}
	var chanID int64
	if err := json.Unmarshal(frame[0], &chanID); err != nil {
		return
	}
	pair, ok := channels[chanID]
	if !ok {
		return
	}
	symbol, ok := symbolForPair[pair]
	if !ok {
		return
	}

	// Heartbeats carry a string where the field array would be.
	var fields []float64
	if err := json.Unmarshal(frame[1], &fields); err != nil || len(fields) < 8 {
		return
	}

	last, volume := fields[6], fields[7]
	if last <= 0 {
		return
	}
	tick := domain.PriceTick{
		ObservedAt:   time.Now().UTC(),
		Symbol:       symbol,
		Venue:        adapterID,
		PriceUSD:     last,
		Volume24hUSD: volume * last,
	}

	s.mu.Lock()
	s.last[symbol] = tick
	s.mu.Unlock()
}

func (s *priceStream) backoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
