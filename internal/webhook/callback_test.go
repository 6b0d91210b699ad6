package webhook

import (
	"net/url"
	"testing"
)

func TestCallbackURLCarriesVerifiableToken(t *testing.T) {
	signer := NewSigner("https://restore.example.com/", "test-secret")

	raw := signer.CallbackURL("replicate", "att-1")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse callback url: %v", err)
	}
	if u.Path != "/webhooks/replicate/att-1" {
		t.Fatalf("unexpected callback path %s", u.Path)
	}

	token := u.Query().Get(TokenParam)
	if token == "" {
		t.Fatal("expected token query parameter")
	}
	if !signer.Verify("replicate", "att-1", token) {
		t.Fatal("expected token to verify")
	}
	if signer.Verify("replicate", "att-2", token) {
		t.Fatal("token must not verify for another attempt")
	}
	if signer.Verify("runpod", "att-1", token) {
		t.Fatal("token must not verify for another provider")
	}
	if signer.Verify("replicate", "att-1", "") {
		t.Fatal("missing token must not verify")
	}
}

func TestUnsignedCallbacks(t *testing.T) {
	signer := NewSigner("http://localhost:8080", "")
	if signer.Enabled() {
		t.Fatal("expected signing disabled without secret")
	}
	if got := signer.CallbackURL("runpod", "att-1"); got != "http://localhost:8080/webhooks/runpod/att-1" {
		t.Fatalf("unexpected callback url %s", got)
	}
	if !signer.Verify("runpod", "att-1", "") {
		t.Fatal("expected verification to pass without secret")
	}
}
