// Package signing builds and verifies the publishable completion link.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Signer signs completion links with a server secret.
type Signer struct {
	Secret  []byte
	BaseURL string
	TTL     time.Duration
	Now     func() time.Time
}

// Sign returns the base64url (no padding) HMAC-SHA-256 over the literal
// string "aid.did.cid.exp", empty fields included positionally.
func (s Signer) Sign(aid, did, cid, exp string) string {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(strings.Join([]string{aid, did, cid, exp}, ".")))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over the received fields and compares it
// in constant time. Any length mismatch or malformed input verifies false.
func (s Signer) Verify(aid, did, cid, exp, sig string) bool {
	if aid == "" || exp == "" || sig == "" {
		return false
	}
	want := s.Sign(aid, did, cid, exp)
	if len(sig) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(want)) == 1
}

// Expired reports whether the exp field (Unix seconds) is in the past or
// malformed.
func (s Signer) Expired(exp string) bool {
	secs, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return true
	}
	return !s.now().Before(time.Unix(secs, 0))
}

// CompleteURL builds the publishable completion link for an activity,
// optionally scoped to a deal and channel.
func (s Signer) CompleteURL(aid, did, cid string) string {
	exp := strconv.FormatInt(s.now().Add(s.ttl()).Unix(), 10)
	q := url.Values{}
	q.Set("aid", aid)
	q.Set("exp", exp)
	q.Set("sig", s.Sign(aid, did, cid, exp))
	if did != "" {
		q.Set("did", did)
	}
	if cid != "" {
		q.Set("cid", cid)
	}
	return strings.TrimRight(s.BaseURL, "/") + "/complete?" + q.Encode()
}

func (s Signer) ttl() time.Duration {
	if s.TTL <= 0 {
		return 72 * time.Hour
	}
	return s.TTL
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
