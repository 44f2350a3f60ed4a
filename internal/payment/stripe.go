package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"lessonbook/internal/backend"
)

type intentConfirmer interface {
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
}

// StripeProcessor confirms backend-created PaymentIntents with Stripe.
type StripeProcessor struct {
	intents intentConfirmer
}

// NewStripeProcessor confirms intents with the account's secret key. It is for operator tooling and
// server processes only; a learner-facing client must never hold the secret key and confirms with the
// publishable key through Stripe's client libraries instead.
func NewStripeProcessor(secretKey string) *StripeProcessor {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeProcessor{intents: sc.PaymentIntents}
}

func (p *StripeProcessor) Confirm(ctx context.Context, intent backend.PaymentIntent, card Card) error {
	if card.PaymentMethodID == "" {
		return &DeclineError{Category: DeclineOther, Code: "missing_payment_method"}
	}

	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(card.PaymentMethodID),
	}
	params.Context = ctx

	pi, err := p.intents.Confirm(intent.ID, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) {
			return &DeclineError{
				Category: Categorize(string(se.Code), string(se.DeclineCode)),
				Code:     firstNonEmpty(string(se.DeclineCode), string(se.Code)),
				Err:      err,
			}
		}
		return &DeclineError{Category: DeclineOther, Err: fmt.Errorf("confirm %s: %w", intent.ID, err)}
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusProcessing:
		return nil
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			le := pi.LastPaymentError
			return &DeclineError{
				Category: Categorize(string(le.Code), string(le.DeclineCode)),
				Code:     firstNonEmpty(string(le.DeclineCode), string(le.Code)),
			}
		}
		return &DeclineError{Category: DeclineCardDeclined, Code: string(pi.Status)}
	default:
		return &DeclineError{Category: DeclineOther, Code: string(pi.Status)}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
