package rpcmanager

import "testing"

func TestToWsURLConvertsHttp(t *testing.T) {
	if got := toWsURL("http://example.com"); got != "ws://example.com" {
		t.Fatalf("got %q", got)
	}
	if got := toWsURL("https://example.com"); got != "wss://example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestToWsURLIgnoresWs(t *testing.T) {
	if got := toWsURL("ws://example.com"); got != "" {
		t.Fatalf("got %q", got)
	}
	if got := toWsURL("wss://example.com"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestFirstWsURLPrefersExplicit(t *testing.T) {
	urls := []string{"http://a.example.com", "ws://b.example.com"}
	if got := firstWsURL(urls); got != "ws://b.example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestFirstWsURLDerivesFromHttp(t *testing.T) {
	urls := []string{"https://a.example.com"}
	if got := firstWsURL(urls); got != "wss://a.example.com" {
		t.Fatalf("got %q", got)
	}
}
