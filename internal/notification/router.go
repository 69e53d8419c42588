package notification

import (
	"context"
	"fmt"
	"strings"
)

// Router picks a Sender from the shape of the address:
//
//	slack:<channel>      Slack
//	telegram:<chat id>   Telegram
//	http(s)://...        webhook
//	user@host            e-mail
//
// Anything else, or a channel without a configured sender, goes to Fallback.
type Router struct {
	Slack    Sender
	Telegram Sender
	Webhook  Sender
	Email    Sender
	Fallback Sender
}

// Send implements Sender.
func (r *Router) Send(ctx context.Context, msg Message) error {
	s := r.senderFor(msg.To)
	if s == nil {
		return fmt.Errorf("notification: no sender for address %q", msg.To)
	}
	return s.Send(ctx, msg)
}

func (r *Router) senderFor(addr string) Sender {
	var s Sender
	switch channelOf(addr) {
	case "slack":
		s = r.Slack
	case "telegram":
		s = r.Telegram
	case "webhook":
		s = r.Webhook
	case "email":
		s = r.Email
	}
	if s == nil {
		return r.Fallback
	}
	return s
}

// channelOf classifies an address.
func channelOf(addr string) string {
	a := strings.TrimSpace(addr)
	lower := strings.ToLower(a)
	switch {
	case strings.HasPrefix(lower, "slack:"):
		return "slack"
	case strings.HasPrefix(lower, "telegram:"):
		return "telegram"
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return "webhook"
	case strings.Contains(a, "@"):
		return "email"
	default:
		return "log"
	}
}

// stripScheme removes a "name:" prefix from an address.
func stripScheme(addr, scheme string) string {
	a := strings.TrimSpace(addr)
	if len(a) >= len(scheme)+1 && strings.EqualFold(a[:len(scheme)+1], scheme+":") {
		return strings.TrimSpace(a[len(scheme)+1:])
	}
	return a
}
