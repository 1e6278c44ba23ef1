package types

import (
	"encoding/json"
)

// WSMessage is the envelope for both directions of the feed: commands carry
// Method/Subscription, pushes carry Channel/Data.
type WSMessage struct {
	Method       string               `json:"method,omitempty"`
	Subscription *SubscriptionRequest `json:"subscription,omitempty"`
	Channel      string               `json:"channel,omitempty"`
	Data         json.RawMessage      `json:"data,omitempty"`
}

type SubscriptionRequest struct {
	Type            string `json:"type"`
	User            string `json:"user,omitempty"`
	Coin            string `json:"coin,omitempty"`
	Interval        string `json:"interval,omitempty"`
	Dex             string `json:"dex,omitempty"`
	NSigFigs        *int   `json:"nSigFigs,omitempty"`
	Mantissa        *int   `json:"mantissa,omitempty"`
	AggregateByTime *bool  `json:"aggregateByTime,omitempty"`
}

// Command methods.
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodPing        = "ping"
)

// NewCommand builds an outbound subscribe/unsubscribe command.
func NewCommand(method string, sub SubscriptionRequest) WSMessage {
	return WSMessage{
		Method:       method,
		Subscription: &sub,
	}
}

// Subscription types enum
type SubscriptionType string

const (
	AllMidsType        SubscriptionType = "allMids"
	L2BookType         SubscriptionType = "l2Book"
	TradesType         SubscriptionType = "trades"
	CandleType         SubscriptionType = "candle"
	BBOType            SubscriptionType = "bbo"
	WebData2Type       SubscriptionType = "webData2"
	ActiveAssetCtxType SubscriptionType = "activeAssetCtx"
)

// Server-originated channels that are not subscription types.
const (
	SubscriptionResponseChannel = "subscriptionResponse"
	ErrorChannel                = "error"
	PongChannel                 = "pong"
	ActiveSpotAssetCtxChannel   = "activeSpotAssetCtx"
)

type AllMids struct {
	Mids map[string]string `json:"mids"`
}

type WsTrade struct {
	Coin  string    `json:"coin"`
	Side  string    `json:"side"`
	Px    string    `json:"px"`
	Sz    string    `json:"sz"`
	Hash  string    `json:"hash"`
	Time  int64     `json:"time"`
	TID   int64     `json:"tid"`
	Users [2]string `json:"users"`
}

// Trades is the payload of the trades channel: a batch of prints.
type Trades []WsTrade

type WsBook struct {
	Coin   string       `json:"coin"`
	Levels [2][]WsLevel `json:"levels"`
	Time   int64        `json:"time"`
}

type WsLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type WsBbo struct {
	Coin string      `json:"coin"`
	Time int64       `json:"time"`
	BBO  [2]*WsLevel `json:"bbo"`
}

type Candle struct {
	T  int64   `json:"t"` // open millis
	T2 int64   `json:"T"` // close millis
	S  string  `json:"s"` // coin
	I  string  `json:"i"` // interval
	O  float64 `json:"o,string"`
	C  float64 `json:"c,string"`
	H  float64 `json:"h,string"`
	L  float64 `json:"l,string"`
	V  float64 `json:"v,string"`
	N  int     `json:"n"` // number of trades
}

// WebData2 is the aggregated account/market snapshot. Only the market half is
// typed; account state for the placeholder user is not interpreted.
type WebData2 struct {
	User          string          `json:"user,omitempty"`
	Meta          Meta            `json:"meta"`
	AssetCtxs     []PerpsAssetCtx `json:"assetCtxs"`
	SpotAssetCtxs []SpotAssetCtx  `json:"spotAssetCtxs"`
}

type Meta struct {
	Universe []UniverseAsset `json:"universe"`
}

type UniverseAsset struct {
	Name         string `json:"name"`
	SzDecimals   int    `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage,omitempty"`
	OnlyIsolated bool   `json:"onlyIsolated,omitempty"`
}

// Asset contexts arrive with decimal strings.
type SharedAssetCtx struct {
	DayNtlVlm string `json:"dayNtlVlm"`
	PrevDayPx string `json:"prevDayPx"`
	MarkPx    string `json:"markPx"`
	MidPx     string `json:"midPx,omitempty"`
}

type PerpsAssetCtx struct {
	SharedAssetCtx
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"`
	OraclePx     string `json:"oraclePx"`
}

type SpotAssetCtx struct {
	SharedAssetCtx
	Coin              string `json:"coin,omitempty"`
	CirculatingSupply string `json:"circulatingSupply"`
}

type WsActiveAssetCtx struct {
	Coin string        `json:"coin"`
	Ctx  PerpsAssetCtx `json:"ctx"`
}

type WsActiveSpotAssetCtx struct {
	Coin string       `json:"coin"`
	Ctx  SpotAssetCtx `json:"ctx"`
}

// SubscriptionResponse acknowledges a subscribe/unsubscribe command.
type SubscriptionResponse struct {
	Method       string              `json:"method"`
	Subscription SubscriptionRequest `json:"subscription"`
}

// ErrorMessage is pushed on the error channel; its data is a bare string.
type ErrorMessage string
