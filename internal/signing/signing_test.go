package signing

import (
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testSigner() Signer {
	return Signer{
		Secret:  []byte("sssh"),
		BaseURL: "https://crew.example.com",
		TTL:     72 * time.Hour,
		Now:     func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) },
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := testSigner()
	sig := s.Sign("41", "7", "C1", "1790000000")
	if !s.Verify("41", "7", "C1", "1790000000", sig) {
		t.Fatal("valid signature rejected")
	}
}

func TestVerifyRejectsMutation(t *testing.T) {
	s := testSigner()
	sig := s.Sign("41", "7", "C1", "1790000000")

	flip := func(in string) string {
		b := []byte(in)
		if b[0] == 'A' {
			b[0] = 'B'
		} else {
			b[0] = 'A'
		}
		return string(b)
	}
	if s.Verify("41", "7", "C1", "1790000000", flip(sig)) {
		t.Fatal("mutated signature accepted")
	}
	if s.Verify("42", "7", "C1", "1790000000", sig) {
		t.Fatal("mutated activity id accepted")
	}
	if s.Verify("41", "7", "C1", "1790000001", sig) {
		t.Fatal("mutated expiry accepted")
	}
	if s.Verify("41", "7", "C1", "1790000000", sig[:len(sig)-1]) {
		t.Fatal("truncated signature accepted")
	}
}

func TestVerifyRejectsEmptyFields(t *testing.T) {
	s := testSigner()
	sig := s.Sign("", "", "", "")
	if s.Verify("", "", "", "", sig) {
		t.Fatal("empty activity id accepted")
	}
}

func TestExpired(t *testing.T) {
	s := testSigner()
	future := "1790000000" // well past 2026-08-29
	past := "1700000000"
	if s.Expired(future) {
		t.Fatal("future expiry reported expired")
	}
	if !s.Expired(past) {
		t.Fatal("past expiry not reported expired")
	}
	if !s.Expired("soon") {
		t.Fatal("malformed expiry not reported expired")
	}
}

func TestCompleteURL(t *testing.T) {
	s := testSigner()
	link := s.CompleteURL("41", "7", "C1")
	if !strings.HasPrefix(link, "https://crew.example.com/complete?") {
		t.Fatalf("unexpected link prefix: %s", link)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	q := u.Query()
	if got := q.Get("aid"); got != "41" {
		t.Fatalf("aid = %q", got)
	}
	if got := q.Get("did"); got != "7" {
		t.Fatalf("did = %q", got)
	}
	if got := q.Get("cid"); got != "C1" {
		t.Fatalf("cid = %q", got)
	}
	exp := q.Get("exp")
	wantExp := strconv.FormatInt(s.Now().Add(72*time.Hour).Unix(), 10)
	if exp != wantExp {
		t.Fatalf("exp = %q, want %q", exp, wantExp)
	}
	if !s.Verify("41", "7", "C1", exp, q.Get("sig")) {
		t.Fatal("link signature does not verify")
	}
}
