// Package notify provides the typed lifecycle notification stream surfaced to
// operators and the UI layer. Lifecycle changes are explicit events keyed by
// vault address, not log text.
package notify

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type identifies a vault lifecycle event
type Type string

// Lifecycle event types
const (
	TypeCreated    Type = "created"    // vault discovered and tracked
	TypeTriggering Type = "triggering" // withdrawal submission started
	TypeSucceeded  Type = "succeeded"  // withdrawal confirmed, balance drained
	TypeFailed     Type = "failed"     // withdrawal attempt failed
	TypeCooling    Type = "cooling"    // attempt budget exhausted, retries suppressed
	TypeExcluded   Type = "excluded"   // vault removed as incompatible
)

// Severity mirrors the operator-facing level of a notification
type Severity string

// Notification severities
const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is one lifecycle event for one vault.
type Notification struct {
	ID       string         `json:"id"`
	Vault    common.Address `json:"vault"`
	ChainID  uint64         `json:"chain_id"`
	Type     Type           `json:"type"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	TxHash   string         `json:"tx_hash,omitempty"`
	Time     time.Time      `json:"time"`
}

// Hub fans notifications out to subscribers and keeps a bounded history for
// the status API.
type Hub struct {
	mu          sync.RWMutex
	subscribers []func(Notification)
	history     []Notification
	maxHistory  int
}

// NewHub creates a notification hub.
func NewHub() *Hub {
	return &Hub{maxHistory: 200}
}

// Subscribe registers a callback invoked for every published notification.
// Callbacks run on the publisher's goroutine and must not block.
func (h *Hub) Subscribe(fn func(Notification)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}

// Publish assigns an id and timestamp, records the notification and delivers
// it to all subscribers.
func (h *Hub) Publish(n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Time.IsZero() {
		n.Time = time.Now()
	}

	logrus.WithFields(logrus.Fields{
		"vault":    n.Vault.Hex(),
		"type":     n.Type,
		"severity": n.Severity,
	}).Info(n.Message)

	h.mu.Lock()
	h.history = append(h.history, n)
	if len(h.history) > h.maxHistory {
		h.history = h.history[len(h.history)-h.maxHistory:]
	}
	subs := make([]func(Notification), len(h.subscribers))
	copy(subs, h.subscribers)
	h.mu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
}

// Recent returns up to n of the latest notifications, newest last.
func (h *Hub) Recent(n int) []Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > len(h.history) {
		n = len(h.history)
	}
	out := make([]Notification, n)
	copy(out, h.history[len(h.history)-n:])
	return out
}
