package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header names set on every delivery.
const (
	HeaderSignature = "X-Verifier-Signature"
	HeaderDelivery  = "X-Verifier-Delivery"
	HeaderEvent     = "X-Verifier-Event"
)

var errBadSignature = errors.New("webhook signature mismatch")

// Sign returns the signature header value for body sent at ts:
// "t=<unix>,v1=<hex hmac-sha256 of '<unix>.<body>'>".
func Sign(secret string, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + digest(secret, unix, body)
}

func digest(secret, unix string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(unix))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature header the way a receiver would. A
// positive tolerance rejects timestamps further than that from now.
func VerifySignature(secret, header string, body []byte, tolerance time.Duration, now time.Time) error {
	var unix, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			unix = v
		case "v1":
			sig = v
		}
	}
	if unix == "" || sig == "" {
		return fmt.Errorf("malformed signature header %q", header)
	}
	sec, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return fmt.Errorf("signature timestamp: %w", err)
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(sec, 0))
		if skew > tolerance || skew < -tolerance {
			return fmt.Errorf("signature timestamp outside tolerance (%s)", skew)
		}
	}
	if !hmac.Equal([]byte(digest(secret, unix, body)), []byte(sig)) {
		return errBadSignature
	}
	return nil
}

// NewSecret returns a random endpoint signing secret.
func NewSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
