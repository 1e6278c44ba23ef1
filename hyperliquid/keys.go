package hyperliquid

import (
	"fmt"
	"strconv"
	"strings"

	"hyperliquid-feedmux/types"
)

// KeyMode selects how registry keys are formed.
type KeyMode int

const (
	// KeyByChannel indexes listeners by channel name only. Subscriptions of
	// one type with different parameters share a bucket and every listener
	// sees every message of that channel.
	KeyByChannel KeyMode = iota
	// KeyBySubscription indexes listeners by channel plus user, coin and
	// interval, and routes inbound messages to the matching bucket.
	KeyBySubscription
)

func (m KeyMode) String() string {
	if m == KeyBySubscription {
		return "subscription"
	}
	return "channel"
}

// ParseKeyMode parses "channel" or "subscription".
func ParseKeyMode(s string) (KeyMode, error) {
	switch s {
	case "", "channel":
		return KeyByChannel, nil
	case "subscription":
		return KeyBySubscription, nil
	}
	return KeyByChannel, fmt.Errorf("unknown key mode %q", s)
}

// SubscriptionKey builds the normalized key for a subscription:
// type[-user][-coin][-interval].
func SubscriptionKey(sub types.SubscriptionRequest) string {
	return buildKey(sub.Type, sub.User, sub.Coin, sub.Interval)
}

// ParamsKey identifies a subscription by every parameter it carries. Two
// requests with the same ParamsKey are the same upstream subscription.
func ParamsKey(sub types.SubscriptionRequest) string {
	key := SubscriptionKey(sub)
	if sub.Dex != "" {
		key += "-dex=" + sub.Dex
	}
	if sub.NSigFigs != nil {
		key += "-nSigFigs=" + strconv.Itoa(*sub.NSigFigs)
	}
	if sub.Mantissa != nil {
		key += "-mantissa=" + strconv.Itoa(*sub.Mantissa)
	}
	if sub.AggregateByTime != nil {
		key += "-aggregateByTime=" + strconv.FormatBool(*sub.AggregateByTime)
	}
	return key
}

func buildKey(typ, user, coin, interval string) string {
	key := typ
	if user != "" {
		key += "-" + strings.ToLower(user)
	}
	if coin != "" {
		key += "-" + coin
	}
	if interval != "" {
		key += "-" + interval
	}
	return key
}

// routeKeys returns the registry keys an inbound message is delivered to.
func routeKeys(mode KeyMode, channel string, payload types.Payload) []string {
	if mode == KeyByChannel {
		return []string{channel}
	}

	typ := channel
	var user, coin, interval string
	switch p := payload.(type) {
	case types.WsBook:
		coin = p.Coin
	case types.Trades:
		coin = p.Coin()
	case types.WsBbo:
		coin = p.Coin
	case types.Candle:
		coin, interval = p.S, p.I
	case types.WebData2:
		user = p.User
	case types.WsActiveAssetCtx:
		coin = p.Coin
	case types.WsActiveSpotAssetCtx:
		typ, coin = string(types.ActiveAssetCtxType), p.Coin
	}

	derived := buildKey(typ, user, coin, interval)
	if derived == channel {
		return []string{channel}
	}
	// Listeners added under the bare channel receive everything on it.
	return []string{derived, channel}
}

// Key returns the subscription key the message belongs to, derived from its
// payload. Messages without a typed payload report their channel.
func (m Message) Key() string {
	return routeKeys(KeyBySubscription, m.Channel, m.Payload)[0]
}

// Matches reports whether m could have been produced by sub. Messages whose
// payload carries no identifying fields match any subscription on their
// channel.
func (m Message) Matches(sub types.SubscriptionRequest) bool {
	key := m.Key()
	return key == m.Channel || key == SubscriptionKey(sub)
}
