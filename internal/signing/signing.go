// Package signing produces and checks the HMAC request signatures used on
// every call to the flag service.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"time"
)

// MaxSkew is the largest accepted distance between a signed timestamp and now.
const MaxSkew = 300 * time.Second

var (
	ErrInvalidTimestamp = errors.New("signing: invalid timestamp")
	ErrTimestampSkew    = errors.New("signing: timestamp outside accepted skew")
	ErrSignatureInvalid = errors.New("signing: signature mismatch")
)

// Sign returns base64(HMAC-SHA256(secret, "{clientID}:{timestamp}:{payload}"))
// together with the Unix-seconds timestamp it signed.
func Sign(clientID, secret, payload string, at time.Time) (signature, timestamp string) {
	timestamp = strconv.FormatInt(at.Unix(), 10)
	return compute(clientID, secret, payload, timestamp), timestamp
}

// Verify checks signature against the expected value for the given inputs and
// rejects timestamps more than MaxSkew away from now.
func Verify(clientID, secret, payload, timestamp, signature string, now time.Time) error {
	if err := ValidTimestamp(timestamp, now); err != nil {
		return err
	}
	expected := compute(clientID, secret, payload, timestamp)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureInvalid
	}
	return nil
}

// ValidTimestamp parses a Unix-seconds timestamp and checks its skew.
func ValidTimestamp(timestamp string, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(MaxSkew/time.Second) {
		return ErrTimestampSkew
	}
	return nil
}

func compute(clientID, secret, payload, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(clientID + ":" + timestamp + ":" + payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
