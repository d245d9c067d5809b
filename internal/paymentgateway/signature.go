package paymentgateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the request header carrying the webhook signature.
const SignatureHeader = "Signature"

const DefaultSignatureTolerance = 5 * time.Minute

func computeSignature(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignPayload returns a header value of the form t=<unix>,v1=<hex>.
func SignPayload(secret string, payload []byte, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeSignature(secret, ts, payload))
}

// VerifySignature checks header against payload. Any v1 entry may match, which
// allows secret rotation on the sender side.
func VerifySignature(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	if secret == "" || header == "" {
		return ErrSignatureInvalid
	}

	var (
		timestamp  int64
		haveTS     bool
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrSignatureInvalid
			}
			timestamp, haveTS = ts, true
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if !haveTS || len(signatures) == 0 {
		return ErrSignatureInvalid
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age < 0 {
		age = -age
	}
	if tolerance > 0 && age > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	expected := []byte(computeSignature(secret, timestamp, payload))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrSignatureInvalid
}
