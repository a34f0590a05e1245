package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultWebhookTolerance bounds how stale a signed webhook timestamp may be.
const DefaultWebhookTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature indicates the webhook signature did not verify.
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	// ErrStaleTimestamp indicates the signed timestamp is outside tolerance.
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
)

// Event is a Stripe webhook event envelope. Data.Object stays raw until the
// handler knows which payload type the event carries.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CheckoutSessionPayload is the object of a checkout.session.completed event.
type CheckoutSessionPayload struct {
	ID                string `json:"id"`
	ClientReferenceID string `json:"client_reference_id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	PaymentStatus     string `json:"payment_status"`
}

// InvoicePayload is the object of invoice.* events.
type InvoicePayload struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	PeriodEnd    int64  `json:"period_end"`
	Lines        struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// PeriodEndTime returns the covered period end, preferring the line item
// period over the invoice-level timestamp.
func (p *InvoicePayload) PeriodEndTime() *time.Time {
	if len(p.Lines.Data) > 0 && p.Lines.Data[0].Period.End > 0 {
		return epochToTime(p.Lines.Data[0].Period.End)
	}
	return epochToTime(p.PeriodEnd)
}

// SubscriptionPayload is the object of customer.subscription.* events.
type SubscriptionPayload struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
}

// PeriodEndTime returns the subscription's current period end, or nil.
func (p *SubscriptionPayload) PeriodEndTime() *time.Time {
	return epochToTime(p.CurrentPeriodEnd)
}

// VerifyWebhookSignature checks a Stripe-Signature header against the raw
// request body. The header carries a unix timestamp and one or more v1 HMAC
// signatures over "<timestamp>.<body>"; any matching v1 signature within the
// tolerance window passes.
func VerifyWebhookSignature(payload []byte, sigHeader, secret string, tolerance time.Duration) error {
	if sigHeader == "" {
		return ErrInvalidSignature
	}

	var timestamp int64
	var signatures [][]byte
	for _, part := range strings.Split(sigHeader, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("parse signature timestamp: %w", err)
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return ErrInvalidSignature
	}
	if tolerance > 0 {
		age := time.Since(time.Unix(timestamp, 0))
		if age > tolerance || age < -tolerance {
			return ErrStaleTimestamp
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// ParseEvent verifies the signature and decodes the event envelope.
func ParseEvent(payload []byte, sigHeader, secret string) (*Event, error) {
	if err := VerifyWebhookSignature(payload, sigHeader, secret, DefaultWebhookTolerance); err != nil {
		return nil, err
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	return &event, nil
}
