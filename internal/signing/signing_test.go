package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func TestSignMatchesHMACOfJoinedMessage(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	sig, ts := Sign("client-1", "s3cret", `{"logs":[]}`, at)

	if ts != "1700000000" {
		t.Fatalf("Sign() timestamp = %q, want 1700000000", ts)
	}

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte(`client-1:1700000000:{"logs":[]}`))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if sig != want {
		t.Fatalf("Sign() = %q, want %q", sig, want)
	}
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sig, ts := Sign("client-1", "s3cret", "", now)

	tests := []struct {
		name      string
		payload   string
		timestamp string
		signature string
		now       time.Time
		wantErr   error
	}{
		{name: "valid", timestamp: ts, signature: sig, now: now},
		{name: "within skew", timestamp: ts, signature: sig, now: now.Add(MaxSkew)},
		{name: "skewed into the future", timestamp: ts, signature: sig, now: now.Add(-MaxSkew - time.Second), wantErr: ErrTimestampSkew},
		{name: "skewed into the past", timestamp: ts, signature: sig, now: now.Add(MaxSkew + time.Second), wantErr: ErrTimestampSkew},
		{name: "tampered payload", payload: "x", timestamp: ts, signature: sig, now: now, wantErr: ErrSignatureInvalid},
		{name: "garbage timestamp", timestamp: "yesterday", signature: sig, now: now, wantErr: ErrInvalidTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify("client-1", "s3cret", tt.payload, tt.timestamp, tt.signature, tt.now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func FuzzSignVerify(f *testing.F) {
	f.Add("client", "secret", "payload")
	f.Add("", "", "")
	f.Fuzz(func(t *testing.T, clientID, secret, payload string) {
		now := time.Unix(1_700_000_000, 0)
		sig, ts := Sign(clientID, secret, payload, now)
		if err := Verify(clientID, secret, payload, ts, sig, now); err != nil {
			t.Fatalf("Verify() of fresh signature error = %v", err)
		}
	})
}
