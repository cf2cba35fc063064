package models

import (
	"encoding/json"
	"testing"
)

func TestSymbolFromChannel(t *testing.T) {
	cases := []struct {
		channel string
		symbol  string
	}{
		{"book.BTC-PERPETUAL.100ms", "BTC-PERPETUAL"},
		{"trades.ETH-PERPETUAL.raw", "ETH-PERPETUAL"},
		{"ticker.BTC-PERPETUAL", "BTC-PERPETUAL"},
		{"deribit_price_index", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := SymbolFromChannel(c.channel); got != c.symbol {
			t.Errorf("SymbolFromChannel(%q) = %q, want %q", c.channel, got, c.symbol)
		}
	}
}

func TestRPCResponseIsEmpty(t *testing.T) {
	var resp RPCResponse
	if !resp.IsEmpty() {
		t.Error("zero response should be empty")
	}

	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"1","result":true}`), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.IsEmpty() {
		t.Error("response with result should not be empty")
	}

	resp = RPCResponse{Error: &RPCError{Code: 13004, Message: "invalid_credentials"}}
	if resp.IsEmpty() {
		t.Error("response with error should not be empty")
	}
	if resp.ErrorMessage() != "invalid_credentials" {
		t.Errorf("unexpected error message: %s", resp.ErrorMessage())
	}

	resp = RPCResponse{Error: &RPCError{Code: 1}}
	if resp.ErrorMessage() != "unknown error" {
		t.Errorf("expected placeholder message, got %s", resp.ErrorMessage())
	}
}
