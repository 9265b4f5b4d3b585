// Package payments wraps Stripe PaymentIntents for the fare flow: a
// manual-capture hold is placed when the ride is confirmed, captured on
// completion, and released on cancellation. Settlement is asynchronous to
// dispatch correctness; failures here are logged, never block a
// transition.
package payments

import (
	"context"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

type StripeClient struct{}

// NewStripeClient initializes the stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// HoldFare creates a manual-capture PaymentIntent for the ride's fare and
// returns the PaymentIntent ID.
func (s *StripeClient) HoldFare(ctx context.Context, ride *models.Ride, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(fareMinorUnits(ride.Fare)),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("ride_id", ride.ID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent after completion.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// Release cancels the hold when the ride is canceled.
func (s *StripeClient) Release(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}

// fareMinorUnits converts a decimal fare to the smallest currency unit.
func fareMinorUnits(fare float64) int64 {
	return int64(math.Round(fare * 100))
}
