package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"pivotwatch/internal/marketdata"
)

// Message types on the market data stream.
const (
	TypeQuote        = "q"
	TypeTrade        = "t"
	TypeSuccess      = "success"
	TypeError        = "error"
	TypeSubscription = "subscription"
)

// Control message bodies.
const (
	msgConnected     = "connected"
	msgAuthenticated = "authenticated"
)

const maxPayloadEcho = 256

// Message is one decoded stream entry. encoding/json matches keys case
// insensitively, so every lowercase key that shares a letter with an
// uppercase one ("s" and "S", "t" and "T") needs its own exact field.
type Message struct {
	Type       string    `json:"T"`
	Symbol     string    `json:"S"`
	AskPrice   float64   `json:"ap"`
	BidPrice   float64   `json:"bp"`
	Price      float64   `json:"p"`
	Size       float64   `json:"s"`
	Conditions []string  `json:"c"`
	Timestamp  time.Time `json:"t"`
	Msg        string    `json:"msg"`
	Code       int       `json:"code"`
}

type authFrame struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type subscribeFrame struct {
	Action string   `json:"action"`
	Quotes []string `json:"quotes,omitempty"`
	Trades []string `json:"trades,omitempty"`
}

func newAuthFrame(key, secret string) authFrame {
	return authFrame{Action: "auth", Key: key, Secret: secret}
}

// newSubscribeFrame builds one subscription request for a single symbol.
func newSubscribeFrame(channel, symbol string) subscribeFrame {
	f := subscribeFrame{Action: "subscribe"}
	switch channel {
	case "trades":
		f.Trades = []string{symbol}
	default:
		f.Quotes = []string{symbol}
	}
	return f
}

// Decode parses a stream payload. Upstream sends either a JSON array of
// messages or a single object. Array elements are decoded one by one: the
// valid ones are returned alongside an error joining a *MalformedError for
// each element that was dropped.
func Decode(data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &MalformedError{Err: errEmpty}
	}
	if trimmed[0] != '[' {
		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, &MalformedError{Payload: echo(trimmed), Err: err}
		}
		return []Message{msg}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &MalformedError{Payload: echo(trimmed), Err: err}
	}
	msgs := make([]Message, 0, len(raw))
	var bad []error
	for _, r := range raw {
		var msg Message
		if err := json.Unmarshal(r, &msg); err != nil {
			bad = append(bad, &MalformedError{Payload: echo(r), Err: err})
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, errors.Join(bad...)
}

// malformedParts lists the individual decode failures carried by an error
// returned from Decode.
func malformedParts(err error) []*MalformedError {
	if me, ok := err.(*MalformedError); ok {
		return []*MalformedError{me}
	}
	var out []*MalformedError
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			if me, ok := e.(*MalformedError); ok {
				out = append(out, me)
			}
		}
	}
	return out
}

// Observation extracts a price from a quote or trade. Quotes use the
// bid/ask midpoint and need both sides; trades use the trade price.
func (m Message) Observation(receivedAt time.Time) (marketdata.Observation, bool) {
	obs := marketdata.Observation{
		Symbol:     marketdata.NormalizeSymbol(m.Symbol),
		EventTime:  m.Timestamp,
		ReceivedAt: receivedAt,
	}
	switch m.Type {
	case TypeQuote:
		if m.AskPrice <= 0 || m.BidPrice <= 0 {
			return obs, false
		}
		obs.Price = (m.AskPrice + m.BidPrice) / 2
		obs.Source = marketdata.SourceQuote
	case TypeTrade:
		if m.Price <= 0 {
			return obs, false
		}
		obs.Price = m.Price
		obs.Source = marketdata.SourceTrade
	default:
		return obs, false
	}
	return obs, obs.Symbol != ""
}

func echo(b []byte) string {
	if len(b) > maxPayloadEcho {
		return string(b[:maxPayloadEcho]) + "..."
	}
	return string(b)
}
