package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Gateway-Signature"

// VerifyWebhook checks the signature header of a webhook and decodes the
// event. The header has the form "t=<unix seconds>,v1=<hex hmac>"; the MAC
// is HMAC-SHA256 over "<t>.<payload>" keyed with the webhook secret. More
// than one v1 entry may be present while secrets rotate.
func (c *Client) VerifyWebhook(payload []byte, signature string) (*payment.Event, error) {
	ts, sigs, err := parseSignature(signature)
	if err != nil {
		return nil, err
	}

	if c.tolerance > 0 {
		age := c.now().Sub(time.Unix(ts, 0))
		if age > c.tolerance || age < -c.tolerance {
			return nil, &payment.SignatureError{Reason: "timestamp outside tolerance"}
		}
	}

	expected := Sign(c.webhookSecret, ts, payload)
	valid := false
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, &payment.SignatureError{Reason: "signature mismatch"}
	}

	ev, err := decodeEvent(payload)
	if err != nil {
		return nil, &payment.EventDecodeError{Err: err}
	}
	return ev, nil
}

// Sign computes the webhook MAC for payload sent at unix time ts.
func Sign(secret []byte, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureValue formats a header value for payload, as the provider does.
func SignatureValue(secret []byte, ts int64, payload []byte) string {
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(Sign(secret, ts, payload))
}

func parseSignature(header string) (int64, [][]byte, error) {
	if header == "" {
		return 0, nil, &payment.SignatureError{Reason: "missing signature"}
	}

	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, &payment.SignatureError{Reason: "bad timestamp"}
			}
			ts, hasTS = n, true
		case "v1":
			b, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			sigs = append(sigs, b)
		}
	}
	if !hasTS {
		return 0, nil, &payment.SignatureError{Reason: "missing timestamp"}
	}
	if len(sigs) == 0 {
		return 0, nil, &payment.SignatureError{Reason: "no v1 signature"}
	}
	return ts, sigs, nil
}
