package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Topic names for proposal lifecycle notifications. The suffix names the
// owning reservation authority: bank for buys, invt for sells.
const (
	TopicReadyBank  = "ready.bank"
	TopicReadyInvt  = "ready.invt"
	TopicDeniedBank = "denied.bank"
	TopicDeniedInvt = "denied.invt"
)

// Notifier abstracts the inter-process notification channel. Delivery is
// at-least-once: messages may be duplicated or reordered across restarts,
// so every subscriber must be idempotent.
type Notifier interface {
	Publish(ctx context.Context, topic string, msg Notification) error
	Subscribe(ctx context.Context, topics ...string) (<-chan Notification, error)
	Close() error
}

// Notification is the payload carried on every topic.
type Notification struct {
	ProposalID uint   `json:"proposal_id"`
	Topic      string `json:"-"`
}

// Encode renders the JSON wire form of the notification.
func (n Notification) Encode() ([]byte, error) {
	return json.Marshal(n)
}

// DecodeNotification parses a wire payload. JSON is the primary form; a
// minimal "id:<n>" text fallback is accepted from legacy publishers.
func DecodeNotification(payload []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err == nil && n.ProposalID != 0 {
		return n, nil
	}

	text := strings.TrimSpace(string(payload))
	if rest, ok := strings.CutPrefix(text, "id:"); ok {
		id, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return Notification{}, fmt.Errorf("malformed fallback payload %q: %w", text, err)
		}
		return Notification{ProposalID: uint(id)}, nil
	}

	return Notification{}, fmt.Errorf("unrecognised notification payload %q", text)
}
