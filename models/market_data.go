package models

import (
	"encoding/json"
	"strings"
	"time"
)

// MarketEvent is a single market-data notification received on the upstream
// streaming connection. Data holds the raw venue payload; it is relayed to
// downstream subscribers verbatim.
type MarketEvent struct {
	Channel   string
	Symbol    string
	Data      json.RawMessage
	Timestamp time.Time
}

// SymbolFromChannel extracts the instrument from a dotted channel name such
// as "book.BTC-PERPETUAL.100ms". The symbol is the second dot-delimited
// field; an empty string is returned when the name has fewer than two fields.
func SymbolFromChannel(channel string) string {
	parts := strings.Split(channel, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
