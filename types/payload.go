package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Payload is the decoded data of one inbound message. The concrete type is
// selected by the message channel; see DecodePayload.
type Payload interface {
	Channel() string
}

func (AllMids) Channel() string              { return string(AllMidsType) }
func (WsBook) Channel() string               { return string(L2BookType) }
func (Trades) Channel() string               { return string(TradesType) }
func (WsBbo) Channel() string                { return string(BBOType) }
func (Candle) Channel() string               { return string(CandleType) }
func (WebData2) Channel() string             { return string(WebData2Type) }
func (WsActiveAssetCtx) Channel() string     { return string(ActiveAssetCtxType) }
func (WsActiveSpotAssetCtx) Channel() string { return ActiveSpotAssetCtxChannel }
func (SubscriptionResponse) Channel() string { return SubscriptionResponseChannel }
func (ErrorMessage) Channel() string         { return ErrorChannel }

// DecodePayload decodes data according to channel. Channels without a typed
// variant yield a nil payload and no error.
func DecodePayload(channel string, data json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)

	switch channel {
	case string(AllMidsType):
		var v AllMids
		err = json.Unmarshal(data, &v)
		p = v
	case string(L2BookType):
		var v WsBook
		err = json.Unmarshal(data, &v)
		p = v
	case string(TradesType):
		var v Trades
		err = json.Unmarshal(data, &v)
		p = v
	case string(BBOType):
		var v WsBbo
		err = json.Unmarshal(data, &v)
		p = v
	case string(CandleType):
		var v Candle
		err = json.Unmarshal(data, &v)
		p = v
	case string(WebData2Type):
		var v WebData2
		err = json.Unmarshal(data, &v)
		p = v
	case string(ActiveAssetCtxType):
		var v WsActiveAssetCtx
		err = json.Unmarshal(data, &v)
		p = v
	case ActiveSpotAssetCtxChannel:
		var v WsActiveSpotAssetCtx
		err = json.Unmarshal(data, &v)
		p = v
	case SubscriptionResponseChannel:
		var v SubscriptionResponse
		err = json.Unmarshal(data, &v)
		p = v
	case ErrorChannel:
		var v ErrorMessage
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", channel, err)
	}
	return p, nil
}

// Mid returns the mid price for symbol, if present and numeric.
func (m AllMids) Mid(symbol string) (decimal.Decimal, bool) {
	raw, ok := m.Mids[symbol]
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func (b WsBook) Bids() []WsLevel { return b.Levels[0] }
func (b WsBook) Asks() []WsLevel { return b.Levels[1] }

// BestBid returns the top bid level, if any.
func (b WsBook) BestBid() (WsLevel, bool) {
	if len(b.Levels[0]) == 0 {
		return WsLevel{}, false
	}
	return b.Levels[0][0], true
}

// BestAsk returns the top ask level, if any.
func (b WsBook) BestAsk() (WsLevel, bool) {
	if len(b.Levels[1]) == 0 {
		return WsLevel{}, false
	}
	return b.Levels[1][0], true
}

// Mid is the midpoint between best bid and best ask.
func (b WsBook) Mid() (decimal.Decimal, bool) {
	bid, ok := b.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return decimal.Zero, false
	}
	bidPx, err := bid.Price()
	if err != nil {
		return decimal.Zero, false
	}
	askPx, err := ask.Price()
	if err != nil {
		return decimal.Zero, false
	}
	return bidPx.Add(askPx).Div(decimal.NewFromInt(2)), true
}

func (l WsLevel) Price() (decimal.Decimal, error) { return decimal.NewFromString(l.Px) }
func (l WsLevel) Size() (decimal.Decimal, error)  { return decimal.NewFromString(l.Sz) }

// IsBuy reports whether the aggressor bought. The feed uses "B"/"A"; "buy"
// and "sell" are accepted too.
func (t WsTrade) IsBuy() bool {
	switch strings.ToLower(t.Side) {
	case "b", "buy":
		return true
	}
	return false
}

// Coin returns the coin of the batch, or "" for an empty batch.
func (t Trades) Coin() string {
	if len(t) == 0 {
		return ""
	}
	return t[0].Coin
}
