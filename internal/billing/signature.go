package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadSignature means the webhook signature header failed verification.
var ErrBadSignature = errors.New("invalid webhook signature")

// signatureTolerance bounds how old a signed webhook timestamp may be.
const signatureTolerance = 5 * time.Minute

// SignPayload produces a signature header for a payload at the given time.
// Header format: t=<unix>,v1=<hmac-sha256(<unix>.<payload>, secret)>.
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// VerifySignature checks a webhook signature header against the raw payload.
// Rejects malformed headers, bad MACs, and timestamps outside the tolerance
// window.
func VerifySignature(payload []byte, header, secret string) error {
	var ts string
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ErrBadSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	age := time.Since(time.Unix(unix, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return ErrBadSignature
	}

	return nil
}
