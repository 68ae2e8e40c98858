// Package push sends best-effort push notifications to participants that
// are not watching a conversation.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrProviderUnavailable is returned when no provider handles an address.
var ErrProviderUnavailable = errors.New("push: no provider configured for delivery address")

// Provider names, also used as metric labels.
const (
	ProviderExpo = "expo"
	ProviderFCM  = "fcm"
)

// Notification is one push to one delivery address.
type Notification struct {
	DeliveryAddress string          `json:"deliveryAddress"`
	Title           string          `json:"title"`
	Body            string          `json:"body"`
	ConversationKey string          `json:"conversationKey"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// Notifier delivers a notification through a push provider.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// ProviderFor names the provider flavor that owns a delivery address.
func ProviderFor(address string) string {
	if strings.HasPrefix(address, "ExponentPushToken") || strings.HasPrefix(address, "ExpoPushToken") {
		return ProviderExpo
	}
	return ProviderFCM
}

// Router picks the Expo or FCM notifier by delivery address.
type Router struct {
	Expo Notifier
	FCM  Notifier
}

// Notify forwards n to the provider owning its address.
func (r *Router) Notify(ctx context.Context, n Notification) error {
	if strings.TrimSpace(n.DeliveryAddress) == "" {
		return errors.New("push: delivery address is required")
	}
	var target Notifier
	switch ProviderFor(n.DeliveryAddress) {
	case ProviderExpo:
		target = r.Expo
	default:
		target = r.FCM
	}
	if target == nil {
		return ErrProviderUnavailable
	}
	return target.Notify(ctx, n)
}
