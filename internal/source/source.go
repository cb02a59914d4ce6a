package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ghostSettler/internal/model"
)

// EventNewOrder is the notification type announcing a freshly published intent.
const EventNewOrder = "NEW_ORDER"

// Lister fetches the full intent list from the store.
type Lister interface {
	List(ctx context.Context) ([]model.Intent, error)
}

// Subscription delivers live intent notifications until closed.
type Subscription interface {
	Intents() <-chan model.Intent
	Close() error
}

// Notifier opens a live notification subscription.
type Notifier interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Source is an intent store with both a list surface and a live feed.
type Source interface {
	Lister
	Notifier
}

type notification struct {
	Type  string          `json:"type"`
	Order json.RawMessage `json:"order"`
}

// DecodeNotification parses a {type, order} message. ok is false for
// well-formed messages of other types.
func DecodeNotification(payload []byte) (model.Intent, bool, error) {
	var msg notification
	if err := json.Unmarshal(payload, &msg); err != nil {
		return model.Intent{}, false, fmt.Errorf("decode notification: %w", err)
	}
	if msg.Type != EventNewOrder {
		return model.Intent{}, false, nil
	}
	var intent model.Intent
	if err := json.Unmarshal(msg.Order, &intent); err != nil {
		return model.Intent{}, false, fmt.Errorf("decode order: %w", err)
	}
	if intent.ID == "" {
		return model.Intent{}, false, fmt.Errorf("decode order: missing id")
	}
	return intent, true, nil
}

// Dispatchable reports whether an intent is active and unexpired at now.
func Dispatchable(intent model.Intent, now time.Time) bool {
	return intent.Status == model.IntentActive && intent.Expiry > now.UnixMilli()
}

// Find returns the intent with id from list.
func Find(list []model.Intent, id string) (model.Intent, bool) {
	for _, intent := range list {
		if intent.ID == id {
			return intent, true
		}
	}
	return model.Intent{}, false
}

// Companions returns the other dispatchable intents sharing trigger's advisory pool id.
func Companions(list []model.Intent, trigger model.Intent, now time.Time, skip func(id string) bool) []model.Intent {
	if trigger.PoolID == "" {
		return nil
	}
	var out []model.Intent
	for _, intent := range list {
		if intent.ID == trigger.ID || intent.PoolID != trigger.PoolID || !Dispatchable(intent, now) {
			continue
		}
		if skip != nil && skip(intent.ID) {
			continue
		}
		out = append(out, intent)
	}
	return out
}

type chanSubscription struct {
	ch    chan model.Intent
	close func() error
}

func (s *chanSubscription) Intents() <-chan model.Intent { return s.ch }
func (s *chanSubscription) Close() error                 { return s.close() }
