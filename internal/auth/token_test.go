package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  42,
		Name: "Avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != 42 || claims.Name != "Avery" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub: 42,
		JTI: "jti-1",
		Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken(secret, issued)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	secret := []byte("secret")
	issued, _ := IssueToken(secret, Claims{Sub: 1, JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	forged, _ := IssueToken(secret, Claims{Sub: 2, JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})

	payload, _, _ := strings.Cut(forged, ".")
	_, signature, _ := strings.Cut(issued, ".")

	cases := map[string]string{
		"swapped payload": payload + "." + signature,
		"wrong secret":    mustIssue(t, []byte("other"), Claims{Sub: 1, JTI: "j", Exp: time.Now().Add(time.Hour).Unix()}),
		"no signature":    payload,
		"extra segment":   issued + ".x",
		"missing subject": mustIssue(t, secret, Claims{JTI: "j", Exp: time.Now().Add(time.Hour).Unix()}),
	}
	for name, token := range cases {
		if _, err := ParseToken(secret, token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: ParseToken() error = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestBearerToken(t *testing.T) {
	if token, ok := BearerToken("Bearer abc.def"); !ok || token != "abc.def" {
		t.Fatalf("BearerToken() = %q, %v", token, ok)
	}
	if token, ok := BearerToken("bearer  abc "); !ok || token != "abc" {
		t.Fatalf("case-insensitive scheme = %q, %v", token, ok)
	}
	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer   "} {
		if _, ok := BearerToken(header); ok {
			t.Fatalf("BearerToken(%q) accepted", header)
		}
	}
}

func TestSecretMatches(t *testing.T) {
	if !SecretMatches("hook", "hook") {
		t.Fatal("expected match")
	}
	if SecretMatches("hook2", "hook") || SecretMatches("", "") {
		t.Fatal("unexpected match")
	}
}

func mustIssue(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}
