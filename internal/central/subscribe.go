package central

import (
	"errors"
	"fmt"
	"log/slog"
)

// NotificationHandler receives notification payloads for the live
// subscription. data is only valid for the duration of the call.
type NotificationHandler func(data []byte)

// Subscription is an enabled notification stream on one connection.
type Subscription struct {
	Conn        ConnHandle
	CCCHandle   uint16
	ValueHandle uint16
}

// Delivery is the outcome of dispatching a notification.
type Delivery int

const (
	// Ignored means the notification did not belong to the live subscription.
	Ignored Delivery = iota
	// Delivered means the payload was passed to the handler.
	Delivered
	// Unsubscribed means the peer removed the subscription.
	Unsubscribed
)

// Subscriber enables notifications on a CCC descriptor and routes incoming
// values to a handler.
type Subscriber struct {
	stack   Stack
	handler NotificationHandler
	sub     *Subscription
}

// NewSubscriber returns a Subscriber that writes CCC descriptors through
// stack and passes values to handler. A nil handler discards values.
func NewSubscriber(stack Stack, handler NotificationHandler) *Subscriber {
	return &Subscriber{stack: stack, handler: handler}
}

// Subscribe enables notifications for the characteristic whose value lives
// at value and whose CCC descriptor is at ccc. An already existing
// subscription counts as success.
func (s *Subscriber) Subscribe(conn ConnHandle, ccc, value uint16) error {
	err := s.stack.Subscribe(conn, SubscribeParams{
		CCCHandle:   ccc,
		ValueHandle: value,
		Value:       CCCNotify,
	})
	if err != nil && !errors.Is(err, ErrAlreadySubscribed) {
		s.sub = nil
		return newError(SubscribeFailed, fmt.Errorf("ccc 0x%04x: %w", ccc, err))
	}
	if err != nil {
		slog.Debug("[GATT] already subscribed", "ccc", ccc)
	}
	s.sub = &Subscription{Conn: conn, CCCHandle: ccc, ValueHandle: value}
	return nil
}

// Complete applies an asynchronous CCC write result. A failure drops the
// subscription and is returned as a SubscribeFailed error.
func (s *Subscriber) Complete(ev SubscribeComplete) error {
	if s.sub == nil || s.sub.Conn != ev.Conn || s.sub.ValueHandle != ev.ValueHandle {
		return nil
	}
	if ev.Err == nil || errors.Is(ev.Err, ErrAlreadySubscribed) {
		return nil
	}
	s.sub = nil
	return newError(SubscribeFailed, ev.Err)
}

// Dispatch routes a notification. Values for other connections or value
// handles are ignored. An empty value means the peer unsubscribed.
func (s *Subscriber) Dispatch(n Notification) Delivery {
	if s.sub == nil || s.sub.Conn != n.Conn || s.sub.ValueHandle != n.ValueHandle {
		return Ignored
	}
	if len(n.Data) == 0 {
		s.sub = nil
		return Unsubscribed
	}
	if s.handler != nil {
		s.handler(n.Data)
	}
	return Delivered
}

// Active returns the live subscription, if any.
func (s *Subscriber) Active() (Subscription, bool) {
	if s.sub == nil {
		return Subscription{}, false
	}
	return *s.sub, true
}

// Reset forgets the subscription, e.g. after the link went down.
func (s *Subscriber) Reset() {
	s.sub = nil
}
