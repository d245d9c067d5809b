package paymentgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
)

// OmiseAPI is the slice of the Omise API this adapter drives.
type OmiseAPI interface {
	CreateCharge(op *operations.CreateCharge) (*omise.Charge, error)
	CaptureCharge(op *operations.CaptureCharge) (*omise.Charge, error)
	RetrieveCharge(op *operations.RetrieveCharge) (*omise.Charge, error)
	CreateRefund(op *operations.CreateRefund) (*omise.Refund, error)
	CreateTransfer(op *operations.CreateTransfer) (*omise.Transfer, error)
	RetrieveEvent(op *operations.RetrieveEvent) (*omise.Event, error)
}

type omiseClient struct {
	client *omise.Client
}

func NewOmiseAPI(publicKey, secretKey string) (OmiseAPI, error) {
	client, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create omise client: %w", err)
	}
	return &omiseClient{client: client}, nil
}

func (c *omiseClient) CreateCharge(op *operations.CreateCharge) (*omise.Charge, error) {
	ch := &omise.Charge{}
	return ch, c.client.Do(ch, op)
}

func (c *omiseClient) CaptureCharge(op *operations.CaptureCharge) (*omise.Charge, error) {
	ch := &omise.Charge{}
	return ch, c.client.Do(ch, op)
}

func (c *omiseClient) RetrieveCharge(op *operations.RetrieveCharge) (*omise.Charge, error) {
	ch := &omise.Charge{}
	return ch, c.client.Do(ch, op)
}

func (c *omiseClient) CreateRefund(op *operations.CreateRefund) (*omise.Refund, error) {
	rf := &omise.Refund{}
	return rf, c.client.Do(rf, op)
}

func (c *omiseClient) CreateTransfer(op *operations.CreateTransfer) (*omise.Transfer, error) {
	tr := &omise.Transfer{}
	return tr, c.client.Do(tr, op)
}

func (c *omiseClient) RetrieveEvent(op *operations.RetrieveEvent) (*omise.Event, error) {
	ev := &omise.Event{}
	return ev, c.client.Do(ev, op)
}

// Omise adapts the Omise charges API to Gateway. Charges map to intents and
// recipients to payout destinations.
type Omise struct {
	api           OmiseAPI
	webhookSecret string
	logger        *slog.Logger
}

// NewOmise returns a Gateway over the Omise API.
func NewOmise(api OmiseAPI, webhookSecret string, logger *slog.Logger) *Omise {
	return &Omise{
		api:           api,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// call runs fn and gives up when ctx ends. The omise client has no context
// support, so an abandoned call may still complete at the processor.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, classifyOmiseError(r.err)
	case <-ctx.Done():
		var zero T
		return zero, timeoutError(ctx.Err())
	}
}

// classifyOmiseError maps a client error onto GatewayError. Anything short of a
// clean API answer or a failed dial may have reached Omise, so it is
// Indeterminate.
func classifyOmiseError(err error) error {
	if err == nil {
		return nil
	}
	var oErr *omise.Error
	if !errors.As(err, &oErr) {
		return &GatewayError{
			Kind:          KindNetworkError,
			Message:       "omise request failed",
			Indeterminate: !isDialError(err),
			Err:           err,
		}
	}

	gwErr := &GatewayError{Code: oErr.Code, Message: oErr.Message, Err: err}
	switch {
	case oErr.StatusCode == http.StatusUnauthorized || oErr.Code == "authentication_failure":
		gwErr.Kind = KindAuthFailed
	case oErr.StatusCode == http.StatusTooManyRequests:
		gwErr.Kind = KindRateLimited
	case oErr.StatusCode >= http.StatusInternalServerError:
		gwErr.Kind = KindNetworkError
		gwErr.Indeterminate = true
	case oErr.Code == "invalid_card" || oErr.Code == "failed_processing" || strings.HasPrefix(oErr.Code, "insufficient"):
		gwErr.Kind = KindCardDeclined
	default:
		gwErr.Kind = KindInvalidRequest
	}
	return gwErr
}

// isDialError reports a connection that was never established.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func toOmiseMetadata(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func fromOmiseMetadata(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func failureReason(ch *omise.Charge) string {
	switch {
	case ch.FailureMessage != nil && *ch.FailureMessage != "":
		return *ch.FailureMessage
	case ch.FailureCode != nil:
		return *ch.FailureCode
	default:
		return ""
	}
}

func chargeIntentStatus(ch *omise.Charge) IntentStatus {
	switch string(ch.Status) {
	case "successful":
		return IntentSucceeded
	case "failed":
		return IntentRequiresPaymentMethod
	case "expired", "reversed":
		return IntentCanceled
	case "pending":
		if ch.AuthorizeURI != "" && !ch.Authorized {
			return IntentRequiresAction
		}
		return IntentProcessing
	default:
		return IntentStatus(ch.Status)
	}
}

func (o *Omise) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	op := &operations.CreateCharge{
		Amount:      req.Amount,
		Currency:    strings.ToLower(req.Currency),
		Description: req.Description,
		Metadata:    toOmiseMetadata(req.Metadata),
	}
	if req.Method == "card" {
		op.Card = req.MethodToken
	} else {
		op.Source = req.MethodToken
	}

	ch, err := call(ctx, func() (*omise.Charge, error) { return o.api.CreateCharge(op) })
	if err != nil {
		return nil, err
	}

	o.logger.Info("omise: charge created", "charge_id", ch.ID, "status", ch.Status)
	return &Intent{
		ID:            ch.ID,
		Status:        chargeIntentStatus(ch),
		ClientSecret:  ch.AuthorizeURI,
		FailureReason: failureReason(ch),
	}, nil
}

func (o *Omise) Capture(ctx context.Context, intentID string, amount *int64) (IntentStatus, error) {
	if amount != nil {
		return "", &GatewayError{Kind: KindInvalidRequest, Message: "partial capture is not supported"}
	}
	ch, err := call(ctx, func() (*omise.Charge, error) {
		return o.api.CaptureCharge(&operations.CaptureCharge{ChargeID: intentID})
	})
	if err != nil {
		return "", err
	}
	return chargeIntentStatus(ch), nil
}

func (o *Omise) Refund(ctx context.Context, intentID string, amount *int64, reason string) (*Refund, error) {
	op := &operations.CreateRefund{ChargeID: intentID}
	if amount != nil {
		op.Amount = *amount
	} else {
		ch, err := call(ctx, func() (*omise.Charge, error) {
			return o.api.RetrieveCharge(&operations.RetrieveCharge{ChargeID: intentID})
		})
		if err != nil {
			return nil, err
		}
		op.Amount = ch.Amount
	}

	rf, err := call(ctx, func() (*omise.Refund, error) { return o.api.CreateRefund(op) })
	if err != nil {
		return nil, err
	}
	o.logger.Info("omise: refund created", "charge_id", intentID, "refund_id", rf.ID, "reason", reason)
	return &Refund{ID: rf.ID, Status: RefundSucceeded}, nil
}

func (o *Omise) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	tr, err := call(ctx, func() (*omise.Transfer, error) {
		return o.api.CreateTransfer(&operations.CreateTransfer{
			Amount:    req.Amount,
			Recipient: req.Destination,
		})
	})
	if err != nil {
		return nil, err
	}

	status := TransferPending
	if tr.Paid {
		status = TransferPaid
	}
	return &Transfer{ID: tr.ID, Status: status}, nil
}

type omiseObjectRef struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Charge string `json:"charge"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// VerifyWebhook authenticates the body, then re-reads the event from the Omise
// API so only data fetched with our secret key is trusted.
func (o *Omise) VerifyWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	if err := VerifySignature(o.webhookSecret, payload, signature, time.Now(), DefaultSignatureTolerance); err != nil {
		return nil, err
	}

	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}

	ev, err := call(ctx, func() (*omise.Event, error) {
		return o.api.RetrieveEvent(&operations.RetrieveEvent{EventID: envelope.ID})
	})
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var ref omiseObjectRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.ID == "" {
		return nil, fmt.Errorf("%w: unexpected event data for %s", ErrMalformedEvent, ev.Key)
	}

	return o.translateEvent(ctx, ev, ref)
}

func (o *Omise) translateEvent(ctx context.Context, ev *omise.Event, ref omiseObjectRef) (*Event, error) {
	created := ev.CreatedAt

	switch ev.Key {
	case "charge.complete", "charge.capture", "charge.expire", "charge.reverse":
		ch, err := call(ctx, func() (*omise.Charge, error) {
			return o.api.RetrieveCharge(&operations.RetrieveCharge{ChargeID: ref.ID})
		})
		if err != nil {
			return nil, err
		}
		obj := EventObject{
			ID:            ch.ID,
			Amount:        ch.Amount,
			Currency:      strings.ToUpper(ch.Currency),
			FailureReason: failureReason(ch),
			Metadata:      fromOmiseMetadata(ch.Metadata),
		}
		var typ EventType
		switch chargeIntentStatus(ch) {
		case IntentSucceeded:
			typ = EventPaymentSucceeded
		case IntentRequiresPaymentMethod:
			typ = EventPaymentFailed
		case IntentCanceled:
			typ = EventPaymentCanceled
		default:
			typ = EventPaymentProcessing
		}
		return NewEvent(ev.ID, typ, obj, created), nil

	case "refund.create":
		ch, err := call(ctx, func() (*omise.Charge, error) {
			return o.api.RetrieveCharge(&operations.RetrieveCharge{ChargeID: ref.Charge})
		})
		if err != nil {
			return nil, err
		}
		return NewEvent(ev.ID, EventChargeRefunded, EventObject{
			ID:             ref.ID,
			PaymentIntent:  ref.Charge,
			Amount:         ref.Amount,
			Currency:       strings.ToUpper(ch.Currency),
			AmountRefunded: ch.RefundedAmount,
			Metadata:       fromOmiseMetadata(ch.Metadata),
		}, created), nil

	case "dispute.create":
		return NewEvent(ev.ID, EventDisputeCreated, EventObject{ID: ref.ID, PaymentIntent: ref.Charge}, created), nil

	case "dispute.close":
		outcome := DisputeLost
		if ref.Status == DisputeWon {
			outcome = DisputeWon
		}
		return NewEvent(ev.ID, EventDisputeClosed, EventObject{ID: ref.ID, PaymentIntent: ref.Charge, Status: outcome}, created), nil

	case "transfer.pay":
		return NewEvent(ev.ID, EventTransferPaid, EventObject{ID: ref.ID, Amount: ref.Amount}, created), nil

	case "transfer.fail":
		return NewEvent(ev.ID, EventTransferFailed, EventObject{ID: ref.ID, Amount: ref.Amount, FailureReason: "transfer failed"}, created), nil

	default:
		o.logger.Debug("omise: ignoring event", "event_id", ev.ID, "key", ev.Key)
		return NewEvent(ev.ID, EventType("omise."+ev.Key), EventObject{ID: ref.ID}, created), nil
	}
}
