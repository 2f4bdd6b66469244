// Package events fans accepted billing receipts out to websocket
// subscribers. Publishing never blocks the billing path: every subscriber
// owns a bounded queue and one that stops draining it is dropped.
package events

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
	"github.com/R3E-Network/payment_layer/internal/app/services/billing"
	"github.com/R3E-Network/payment_layer/internal/app/system"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

var (
	_ billing.ReceiptPublisher = (*Hub)(nil)
	_ system.Service           = (*Hub)(nil)
)

// ErrHubStopped is returned by Subscribe after the hub has shut down.
var ErrHubStopped = errors.New("events hub stopped")

const (
	defaultBuffer     = 16
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	heartbeatInterval = 30 * time.Second
	maxMessageSize    = 512
)

// ReceiptEvent is the wire form of one receipt pushed over a subscription.
// Amounts travel as decimal strings.
type ReceiptEvent struct {
	Type          string    `json:"type"`
	ReceiptID     string    `json:"receipt_id,omitempty"`
	ChannelID     string    `json:"channel_id"`
	Epoch         uint64    `json:"epoch"`
	Nonce         uint64    `json:"nonce"`
	VMIDFragment  string    `json:"vm_id_fragment,omitempty"`
	Accumulated   string    `json:"accumulated"`
	AmountDebited string    `json:"amount_debited"`
	ErrorCode     uint32    `json:"error_code"`
	Message       string    `json:"message,omitempty"`
	ServiceTxRef  string    `json:"service_tx_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const eventTypeReceipt = "receipt"

// Subscription is one consumer of a channel's receipt stream. Events arrive
// on Events; Done closes when the hub evicts or releases the subscription.
type Subscription struct {
	id        uint64
	channelID string
	events    chan ReceiptEvent
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the receipt queue.
func (s *Subscription) Events() <-chan ReceiptEvent { return s.events }

// Done closes when the subscription is no longer served.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Options configures the hub.
type Options struct {
	// Buffer is the per-subscriber queue length. A subscriber whose queue
	// is full when a receipt arrives is evicted.
	Buffer int
	Log    *logger.Logger
}

// Hub is the receipt broadcast registry. The ledger publishes into it and
// websocket handlers subscribe per channel.
type Hub struct {
	buffer   int
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	subs    map[string]map[uint64]*Subscription
	nextID  uint64
	stopped bool
}

// NewHub constructs the hub.
func NewHub(opts Options) *Hub {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Hub{
		buffer: buffer,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[uint64]*Subscription),
	}
}

func (h *Hub) Name() string { return "events-hub" }

// Start implements system.Service. The hub has no background loop; it only
// resets the stopped flag so Subscribe accepts connections again.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = false
	h.mu.Unlock()
	return nil
}

// Stop evicts every subscriber and refuses new ones.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	evicted := 0
	for id, subs := range h.subs {
		for _, sub := range subs {
			sub.close()
			evicted++
		}
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if evicted > 0 {
		h.log.WithField("subscribers", evicted).Info("events hub stopped")
	}
	return nil
}

// Subscribe registers a consumer for one channel's receipt stream.
func (h *Hub) Subscribe(channelID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, ErrHubStopped
	}
	h.nextID++
	sub := &Subscription{
		id:        h.nextID,
		channelID: channelID,
		events:    make(chan ReceiptEvent, h.buffer),
		done:      make(chan struct{}),
	}
	if h.subs[channelID] == nil {
		h.subs[channelID] = make(map[uint64]*Subscription)
	}
	h.subs[channelID][sub.id] = sub
	return sub, nil
}

// Unsubscribe releases a subscription. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if subs := h.subs[sub.channelID]; subs != nil {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.subs, sub.channelID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Subscribers reports the number of live subscriptions across all channels.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}

// PublishReceipt implements billing.ReceiptPublisher. Subscribers whose
// queue is full are evicted rather than waited on.
func (h *Hub) PublishReceipt(channelID string, rec channel.ReceiptRecord) {
	evt := eventFromRecord(rec)

	h.mu.RLock()
	var stale []*Subscription
	for _, sub := range h.subs[channelID] {
		select {
		case sub.events <- evt:
		default:
			stale = append(stale, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range stale {
		h.log.WithField("channel", channelID).Warn("dropping slow receipt subscriber")
		h.Unsubscribe(sub)
	}
}

// ServeWS upgrades the request and streams the channel's receipts until the
// client disconnects, the subscription is evicted or the request context
// ends. Pings keep intermediaries from idling the connection out.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, channelID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with the handshake error.
		return
	}
	sub, err := h.Subscribe(channelID)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer func() {
		h.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Drain client frames so pongs and close handshakes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.Unsubscribe(sub)
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case evt := <-sub.events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription dropped"),
				time.Now().Add(writeWait))
			return
		case <-r.Context().Done():
			return
		}
	}
}

func eventFromRecord(rec channel.ReceiptRecord) ReceiptEvent {
	return ReceiptEvent{
		Type:          eventTypeReceipt,
		ReceiptID:     rec.ID,
		ChannelID:     rec.ChannelID,
		Epoch:         rec.Epoch,
		Nonce:         rec.Nonce,
		VMIDFragment:  rec.VMIDFragment,
		Accumulated:   amountString(rec.Accumulated),
		AmountDebited: amountString(rec.AmountDebited),
		ErrorCode:     rec.ErrorCode,
		Message:       rec.Message,
		ServiceTxRef:  rec.ServiceTxRef,
		CreatedAt:     rec.CreatedAt,
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
