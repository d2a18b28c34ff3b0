package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCanonicalSortsAndCompacts(t *testing.T) {
	raw := json.RawMessage(`{ "nonce" : "bm9uY2U", "challenge_id":"c-1",
		"meta":{"z":1,"a":[2,{"k":3}],"t":true,"n":null} }`)
	got, err := CanonicalizeJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"challenge_id":"c-1","meta":{"a":[2,{"k":3}],"n":null,"t":true,"z":1},"nonce":"bm9uY2U"}`
	if string(got) != want {
		t.Fatalf("unexpected canonical output:\n got %s\nwant %s", got, want)
	}
	again, _ := CanonicalizeJSON(got)
	if string(again) != want {
		t.Fatal("canonical form should be a fixed point")
	}
}

func TestCanonicalStringsAreNotHTMLEscaped(t *testing.T) {
	got, err := Canonical(map[string]string{"prompt": "a<b & c>d", "q": "\"x\"\n"})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(got) != `{"prompt":"a<b & c>d","q":"\"x\"\n"}` {
		t.Fatalf("unexpected string escaping: %s", got)
	}
}

func TestCanonicalStructMatchesSignaturePayload(t *testing.T) {
	v := struct {
		Nonce       string `json:"nonce"`
		ChallengeID string `json:"challenge_id"`
	}{Nonce: "n", ChallengeID: "c"}
	canon, err := Canonical(v)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(canon) != `{"challenge_id":"c","nonce":"n"}` {
		t.Fatalf("unexpected canonical output: %s", canon)
	}
}

func TestCanonicalizeJSONRejects(t *testing.T) {
	cases := map[string]string{
		"float":         `{"x":1.1}`,
		"exponent":      `{"x":1e3}`,
		"invalid token": `{"x":bad}`,
		"duplicate key": `{"a":1,"a":2}`,
		"trailing data": `{"a":1} {"b":2}`,
		"truncated":     `{"a":[1,2`,
		"empty":         ``,
	}
	for name, raw := range cases {
		if _, err := CanonicalizeJSON(json.RawMessage(raw)); err == nil {
			t.Fatalf("%s: expected error for %q", name, raw)
		}
	}
	big := `{"n":` + strings.Repeat("9", 40) + `}`
	if got, err := CanonicalizeJSON(json.RawMessage(big)); err != nil || string(got) != big {
		t.Fatalf("big integers must survive unchanged, got %s err=%v", got, err)
	}
	if _, err := Canonical(func() {}); err == nil {
		t.Fatal("expected marshal error for func value")
	}
}
