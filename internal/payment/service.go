package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/common/validation"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/donation"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payment"
	projectDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/project"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/events"
	"github.com/frahmantamala/crowdfunding-payments/internal/idempotency"
	"github.com/frahmantamala/crowdfunding-payments/internal/ledger"
	"github.com/frahmantamala/crowdfunding-payments/internal/metrics"
	"github.com/frahmantamala/crowdfunding-payments/internal/paymentgateway"
	"github.com/frahmantamala/crowdfunding-payments/internal/project"
)

const sourceAPI = "api"

type ServiceAPI interface {
	CreateAndProcessDonation(ctx context.Context, userID int64, req CreateDonationRequest) (*DonationResponse, error)
	GetDonation(ctx context.Context, userID int64, donationID string) (*DonationResponse, error)
	RefundPayment(ctx context.Context, paymentID string, req RefundRequest) (*RefundResponse, error)
	CapturePayment(ctx context.Context, paymentID string, req CaptureRequest) (*CaptureResponse, error)
}

// Service drives a donation from request to its first processor outcome. Later
// status changes arrive through the Reconciler.
type Service struct {
	ledger    ledger.PaymentStore
	projects  project.RepositoryAPI
	guard     Guard
	gateway   paymentgateway.Gateway
	publisher events.Publisher
	metrics   *metrics.Metrics
	timeout   time.Duration
	logger    *slog.Logger
}

// NewService wires the orchestrator. A nil metrics collector disables instrumentation.
func NewService(
	store ledger.PaymentStore,
	projects project.RepositoryAPI,
	guard Guard,
	gateway paymentgateway.Gateway,
	publisher events.Publisher,
	m *metrics.Metrics,
	gatewayTimeout time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		ledger:    store,
		projects:  projects,
		guard:     guard,
		gateway:   gateway,
		publisher: publisher,
		metrics:   m,
		timeout:   gatewayTimeout,
		logger:    logger,
	}
}

// CreateAndProcessDonation records a donation and charges it, at most once per client key.
func (s *Service) CreateAndProcessDonation(ctx context.Context, userID int64, req CreateDonationRequest) (*DonationResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Currency = validation.NormalizeCurrency(req.Currency)
	method, _ := payment.ParseMethod(req.PaymentMethod)

	// a replay returns the stored donation even if the project or reward has moved on since
	key := idempotency.DonationKey(userID, req.ProjectID, req.Amount, req.IdempotencyKey)
	res, err := s.guard.Reserve(ctx, idempotency.ScopeDonation, key)
	if inProgress(err) {
		return nil, internal.ErrRequestInProgress
	}
	if err != nil {
		return nil, internal.NewInternalError("failed to reserve idempotency key", err)
	}
	if !res.New {
		return s.replay(ctx, userID, res.Result)
	}

	proj, err := s.checkProject(ctx, req)
	if err == nil && req.RewardID != nil {
		err = s.checkReward(ctx, proj, req)
	}
	if err != nil {
		s.guard.Release(ctx, idempotency.ScopeDonation, key)
		return nil, err
	}

	d := &donation.Donation{
		ID:             uuid.NewString(),
		UserID:         userID,
		ProjectID:      req.ProjectID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		RewardID:       req.RewardID,
		Status:         donation.StatusPending,
		IdempotencyKey: req.IdempotencyKey,
	}
	p := &payment.Payment{
		ID:         uuid.NewString(),
		DonationID: d.ID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Method:     method,
		Status:     payment.StatusPending,
		Metadata: map[string]interface{}{
			payment.MetaDonationID: d.ID,
			payment.MetaProjectID:  strconv.FormatInt(req.ProjectID, 10),
		},
	}

	if err := s.ledger.CreateDonationAndPayment(ctx, d, p); err != nil {
		s.guard.Release(ctx, idempotency.ScopeDonation, key)
		switch {
		case errors.Is(err, ledger.ErrRewardUnavailable):
			s.logger.Info("reward sold out", "project_id", req.ProjectID, "reward_id", *req.RewardID, "user_id", userID)
			return nil, internal.ErrRewardUnavailable
		case errors.Is(err, ledger.ErrDuplicate):
			return nil, internal.NewConflictError("A donation with this idempotency key already exists", internal.ErrCodeDuplicateDonation)
		}
		s.logger.Error("failed to record donation", "project_id", req.ProjectID, "user_id", userID, "error", err)
		return nil, internal.NewInternalError("failed to record donation", err)
	}
	if err := s.guard.Complete(ctx, idempotency.ScopeDonation, key, d.ID); err != nil {
		// the reservation stays IN_PROGRESS until it expires; retries get a 409
		s.logger.Warn("donation recorded but reservation not completed", "donation_id", d.ID, "error", err)
	}

	s.logger.Info("donation recorded",
		"donation_id", d.ID,
		"payment_id", p.ID,
		"project_id", d.ProjectID,
		"user_id", userID,
		"amount", d.Amount,
		"currency", d.Currency)

	// The processor call and what follows must finish even if the client disconnects.
	workCtx, cancel := internal.Detached(ctx, s.timeout)
	defer cancel()

	intent, err := s.gateway.CreatePaymentIntent(workCtx, paymentgateway.IntentRequest{
		Amount:         p.Amount,
		Currency:       p.Currency,
		Method:         string(p.Method),
		MethodToken:    req.PaymentMethodID,
		IdempotencyKey: p.ID,
		Description:    fmt.Sprintf("Donation to project %d", d.ProjectID),
		Metadata:       intentMetadata(d, p, req.BillingDetails),
	})
	if err != nil {
		return s.handleIntentError(ctx, key, d, p, err)
	}

	persistCtx, cancelPersist := internal.Detached(ctx, s.timeout)
	defer cancelPersist()
	return s.applyIntent(persistCtx, d, p, intent)
}

func (s *Service) checkProject(ctx context.Context, req CreateDonationRequest) (*projectDatamodel.Project, error) {
	proj, err := s.projects.GetProject(ctx, req.ProjectID)
	if errors.Is(err, project.ErrNotFound) {
		return nil, internal.ErrProjectNotFound
	}
	if err != nil {
		s.logger.Error("failed to load project", "project_id", req.ProjectID, "error", err)
		return nil, internal.NewInternalError("failed to load project", err)
	}
	if !proj.AcceptsDonations() {
		return nil, internal.NewValidationError("project is not accepting donations", internal.ErrCodeProjectNotActive)
	}
	if req.Currency != proj.Currency {
		return nil, internal.NewValidationFieldError("currency",
			fmt.Sprintf("project accepts %s only", proj.Currency), internal.ErrCodeInvalidCurrency)
	}
	if appErr := validation.ValidateDonationAmount(req.Amount, req.Currency); appErr != nil {
		return nil, appErr
	}
	return proj, nil
}

// checkReward is a pre-check only; the ledger claims the slot atomically.
func (s *Service) checkReward(ctx context.Context, proj *projectDatamodel.Project, req CreateDonationRequest) error {
	reward, err := s.projects.GetReward(ctx, *req.RewardID)
	if errors.Is(err, project.ErrNotFound) || (err == nil && reward.ProjectID != proj.ID) {
		return internal.NewValidationFieldError("reward_id", "reward does not belong to this project", internal.ErrCodeRewardInvalid)
	}
	if err != nil {
		s.logger.Error("failed to load reward", "reward_id", *req.RewardID, "error", err)
		return internal.NewInternalError("failed to load reward", err)
	}
	if req.Amount < reward.MinimumAmount {
		return internal.NewValidationFieldError("amount",
			fmt.Sprintf("reward requires a donation of at least %d", reward.MinimumAmount), internal.ErrCodeRewardInvalid)
	}
	if !reward.HasStock() {
		return internal.ErrRewardUnavailable
	}
	return nil
}

func (s *Service) replay(ctx context.Context, userID int64, donationID string) (*DonationResponse, error) {
	d, err := s.ledger.GetDonation(ctx, donationID)
	if err != nil {
		s.logger.Error("idempotency record points at a missing donation", "donation_id", donationID, "error", err)
		return nil, internal.NewInternalError("failed to load donation", err)
	}
	if d.UserID != userID {
		return nil, internal.ErrUnauthorizedAccess
	}
	p, err := s.ledger.GetPaymentByDonationID(ctx, d.ID)
	if err != nil {
		return nil, internal.NewInternalError("failed to load payment", err)
	}

	s.metrics.IdempotencyReplay(idempotency.ScopeDonation)
	s.logger.Info("donation request replayed", "donation_id", d.ID, "payment_id", p.ID, "user_id", userID)

	resp := ToDonationResponse(d, p)
	resp.Replayed = true
	return resp, nil
}

func (s *Service) handleIntentError(ctx context.Context, key string, d *donation.Donation, p *payment.Payment, gwErr error) (*DonationResponse, error) {
	if isIndeterminate(gwErr) {
		s.logger.Warn("payment intent outcome unknown, waiting for webhook",
			"payment_id", p.ID, "donation_id", d.ID, "error", gwErr)
		return ToDonationResponse(d, p), nil
	}

	reason := failureReason(gwErr)
	s.logger.Warn("payment intent rejected", "payment_id", p.ID, "donation_id", d.ID, "reason", reason, "error", gwErr)

	persistCtx, cancel := internal.Detached(ctx, s.timeout)
	defer cancel()
	updated, err := s.ledger.UpdatePaymentStatus(persistCtx, ledger.PaymentTransition{
		PaymentID:     p.ID,
		From:          payment.StatusPending,
		To:            payment.StatusFailed,
		FailureReason: reason,
		Donation:      donation.StatusFailed,
		ReleaseReward: true,
	})
	switch {
	case err == nil:
		s.afterTransition(persistCtx, d, updated, payment.StatusPending, reason)
	case errors.Is(err, ledger.ErrConflict):
		s.logger.Info("payment moved on before failure was recorded", "payment_id", p.ID, "error", err)
	default:
		s.logger.Error("failed to record payment failure", "payment_id", p.ID, "error", err)
		return nil, internal.NewInternalError("failed to record payment failure", err)
	}

	if isRetryable(gwErr) {
		s.guard.Release(persistCtx, idempotency.ScopeDonation, key)
	}
	return nil, paymentgateway.ToAppError(gwErr)
}

func (s *Service) applyIntent(ctx context.Context, d *donation.Donation, p *payment.Payment, intent *paymentgateway.Intent) (*DonationResponse, error) {
	to := StatusForIntent(intent.Status)
	log := s.logger.With("payment_id", p.ID, "donation_id", d.ID, "intent_id", intent.ID, "intent_status", intent.Status)

	if to == payment.StatusPending {
		if err := s.ledger.AttachTransactionID(ctx, p.ID, intent.ID); err != nil {
			log.Error("failed to bind payment intent", "error", err)
			return nil, internal.NewInternalError("failed to record payment intent", err)
		}
		log.Info("payment intent requires customer action")
		resp := ToDonationResponse(d, p)
		resp.ClientSecret = intent.ClientSecret
		return resp, nil
	}

	t := ledger.PaymentTransition{
		PaymentID:     p.ID,
		From:          payment.StatusPending,
		To:            to,
		TransactionID: intent.ID,
		FailureReason: intent.FailureReason,
	}
	switch to {
	case payment.StatusCompleted:
		t.Donation = donation.StatusCompleted
		if intent.FeeAmount > 0 {
			net := p.Amount - intent.FeeAmount
			t.FeeAmount = &intent.FeeAmount
			t.NetAmount = &net
		} else {
			t.NetAmount = &p.Amount
		}
	case payment.StatusFailed, payment.StatusCancelled:
		t.Donation = donation.StatusFailed
		t.ReleaseReward = true
		if t.FailureReason == "" {
			t.FailureReason = string(intent.Status)
		}
	}

	updated, err := s.ledger.UpdatePaymentStatus(ctx, t)
	if errors.Is(err, ledger.ErrConflict) {
		// a webhook got there first; report what is stored
		log.Info("payment already advanced by webhook", "error", err)
		return s.currentState(ctx, d.ID, intent.ClientSecret)
	}
	if err != nil {
		log.Error("failed to persist payment intent outcome", "error", err)
		return nil, internal.NewInternalError("failed to record payment outcome", err)
	}
	s.afterTransition(ctx, d, updated, payment.StatusPending, t.FailureReason)

	log.Info("payment intent processed", "status", updated.Status)

	if to == payment.StatusFailed || to == payment.StatusCancelled {
		return nil, internal.NewPaymentError("The payment could not be completed", internal.ErrCodeCardDeclined, http.StatusPaymentRequired, false)
	}
	return s.currentState(ctx, d.ID, intent.ClientSecret)
}

func (s *Service) currentState(ctx context.Context, donationID, clientSecret string) (*DonationResponse, error) {
	d, err := s.ledger.GetDonation(ctx, donationID)
	if err != nil {
		return nil, internal.NewInternalError("failed to load donation", err)
	}
	p, err := s.ledger.GetPaymentByDonationID(ctx, donationID)
	if err != nil {
		return nil, internal.NewInternalError("failed to load payment", err)
	}
	resp := ToDonationResponse(d, p)
	resp.ClientSecret = clientSecret
	return resp, nil
}

// afterTransition records metrics and publishes the notification. Publishing
// never undoes the ledger write.
func (s *Service) afterTransition(ctx context.Context, d *donation.Donation, p *payment.Payment, from payment.Status, reason string) {
	s.metrics.PaymentTransition(sourceAPI, string(p.Status))
	publishTransition(ctx, s.publisher, s.logger, d, p, from, reason)
}

// GetDonation returns a donation and its payment to the donor who made it.
func (s *Service) GetDonation(ctx context.Context, userID int64, donationID string) (*DonationResponse, error) {
	d, err := s.ledger.GetDonation(ctx, donationID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, internal.ErrDonationNotFound
	}
	if err != nil {
		return nil, internal.NewInternalError("failed to load donation", err)
	}
	if d.UserID != userID {
		s.logger.Warn("unauthorized access to donation", "donation_id", donationID, "user_id", userID)
		return nil, internal.ErrUnauthorizedAccess
	}
	p, err := s.ledger.GetPaymentByDonationID(ctx, d.ID)
	if err != nil {
		return nil, internal.NewInternalError("failed to load payment", err)
	}
	return ToDonationResponse(d, p), nil
}

// RefundPayment refunds all or part of a completed payment.
func (s *Service) RefundPayment(ctx context.Context, paymentID string, req RefundRequest) (*RefundResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != payment.StatusCompleted || p.TransactionID() == "" {
		return nil, internal.NewConflictError(
			fmt.Sprintf("payment is %s and cannot be refunded", p.Status), internal.ErrCodePaymentNotRefund)
	}

	remaining := p.Amount - p.RefundedAmount
	amount := remaining
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount > remaining {
		return nil, internal.NewValidationFieldError("refund_amount",
			fmt.Sprintf("refund amount exceeds the refundable %d", remaining), internal.ErrCodeRefundTooLarge)
	}

	// the key moves on with every applied refund so partial refunds can follow each other
	key := fmt.Sprintf("%s:%d", p.ID, p.RefundedAmount)
	res, err := s.guard.Reserve(ctx, idempotency.ScopeRefund, key)
	if inProgress(err) {
		return nil, internal.ErrRequestInProgress
	}
	if err != nil {
		return nil, internal.NewInternalError("failed to reserve refund", err)
	}
	if !res.New {
		// a pending refund is already waiting for its webhook
		s.metrics.IdempotencyReplay(idempotency.ScopeRefund)
		return &RefundResponse{
			PaymentID:      p.ID,
			RefundID:       res.Result,
			RefundStatus:   string(paymentgateway.RefundPending),
			PaymentStatus:  string(p.Status),
			RefundedAmount: p.RefundedAmount,
		}, nil
	}

	workCtx, cancel := internal.Detached(ctx, s.timeout)
	defer cancel()

	refund, err := s.gateway.Refund(workCtx, p.TransactionID(), &amount, req.Reason)
	if err != nil {
		// an unknown outcome keeps the key until its lease runs out or the webhook lands
		if gwErr, ok := paymentgateway.AsGatewayError(err); ok && gwErr.Indeterminate {
			s.logger.Warn("refund outcome unknown", "payment_id", p.ID, "error", err)
			return nil, paymentgateway.ToAppError(err)
		}
		s.guard.Release(workCtx, idempotency.ScopeRefund, key)
		s.logger.Warn("refund rejected by processor", "payment_id", p.ID, "error", err)
		return nil, paymentgateway.ToAppError(err)
	}
	log := s.logger.With("payment_id", p.ID, "refund_id", refund.ID, "refund_status", refund.Status, "amount", amount)

	switch refund.Status {
	case paymentgateway.RefundSucceeded:
		updated, err := s.ledger.ApplyRefund(workCtx, ledger.RefundUpdate{
			PaymentID:     p.ID,
			RefundedTotal: p.RefundedAmount + amount,
			Metadata:      map[string]interface{}{payment.MetaRefundID: refund.ID, payment.MetaRefundNote: req.Reason},
		})
		if err != nil && !errors.Is(err, ledger.ErrConflict) {
			log.Error("refund succeeded but ledger update failed", "error", err)
			return nil, internal.NewInternalError("failed to record refund", err)
		}
		if err == nil {
			if updated.Status != p.Status {
				if d, derr := s.ledger.GetDonation(workCtx, p.DonationID); derr == nil {
					s.afterTransition(workCtx, d, updated, p.Status, req.Reason)
				}
			}
			p = updated
		} else {
			log.Info("refund already applied by webhook")
			if p, err = s.ledger.GetPayment(workCtx, p.ID); err != nil {
				return nil, internal.NewInternalError("failed to load payment", err)
			}
		}
		if err := s.guard.Complete(workCtx, idempotency.ScopeRefund, key, refund.ID); err != nil {
			log.Warn("refund recorded but idempotency result not stored", "error", err)
		}
		log.Info("payment refunded", "payment_status", p.Status, "refunded_amount", p.RefundedAmount)

	case paymentgateway.RefundPending:
		if err := s.ledger.MergePaymentMetadata(workCtx, p.ID, map[string]interface{}{
			payment.MetaRefundID:   refund.ID,
			payment.MetaRefundNote: req.Reason,
			"refund_amount":        amount,
		}); err != nil {
			log.Error("failed to record pending refund", "error", err)
		}
		if err := s.guard.Complete(workCtx, idempotency.ScopeRefund, key, refund.ID); err != nil {
			log.Warn("pending refund not stored as idempotency result", "error", err)
		}
		log.Info("refund pending at processor")

	default:
		s.guard.Release(workCtx, idempotency.ScopeRefund, key)
		log.Warn("refund failed at processor")
		return nil, internal.NewPaymentError("The refund was declined by the processor", internal.ErrCodeInvalidRequest, http.StatusPaymentRequired, false)
	}

	return &RefundResponse{
		PaymentID:      p.ID,
		RefundID:       refund.ID,
		RefundStatus:   string(refund.Status),
		PaymentStatus:  string(p.Status),
		RefundedAmount: p.RefundedAmount,
	}, nil
}

// CapturePayment asks the processor to capture an authorized payment; the webhook completes it.
func (s *Service) CapturePayment(ctx context.Context, paymentID string, req CaptureRequest) (*CaptureResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != payment.StatusProcessing || p.TransactionID() == "" {
		return nil, internal.NewConflictError(
			fmt.Sprintf("payment is %s and cannot be captured", p.Status), internal.ErrCodePaymentNotCapture)
	}
	if req.Amount != nil && *req.Amount > p.Amount {
		return nil, internal.NewValidationFieldError("amount", "capture amount exceeds the authorized amount", internal.ErrCodeInvalidAmount)
	}

	workCtx, cancel := internal.Detached(ctx, s.timeout)
	defer cancel()

	status, err := s.gateway.Capture(workCtx, p.TransactionID(), req.Amount)
	if err != nil {
		s.logger.Warn("capture rejected by processor", "payment_id", p.ID, "error", err)
		return nil, paymentgateway.ToAppError(err)
	}

	s.logger.Info("payment capture requested", "payment_id", p.ID, "processor_status", status)
	return &CaptureResponse{
		PaymentID:       p.ID,
		PaymentStatus:   string(p.Status),
		ProcessorStatus: string(status),
	}, nil
}

func (s *Service) loadPayment(ctx context.Context, paymentID string) (*payment.Payment, error) {
	p, err := s.ledger.GetPayment(ctx, paymentID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, internal.ErrPaymentNotFound
	}
	if err != nil {
		s.logger.Error("failed to load payment", "payment_id", paymentID, "error", err)
		return nil, internal.NewInternalError("failed to load payment", err)
	}
	return p, nil
}

func intentMetadata(d *donation.Donation, p *payment.Payment, billing *BillingDetails) map[string]string {
	md := map[string]string{
		payment.MetaPaymentID:  p.ID,
		payment.MetaDonationID: d.ID,
		payment.MetaProjectID:  strconv.FormatInt(d.ProjectID, 10),
	}
	if billing != nil {
		if billing.Name != "" {
			md["billing_name"] = billing.Name
		}
		if billing.Email != "" {
			md["billing_email"] = billing.Email
		}
		if billing.Country != "" {
			md["billing_country"] = billing.Country
		}
	}
	return md
}

func publishTransition(ctx context.Context, publisher events.Publisher, logger *slog.Logger, d *donation.Donation, p *payment.Payment, from payment.Status, reason string) {
	if publisher == nil {
		return
	}
	ev := events.NewPaymentTransitionedEvent(events.PaymentTransition{
		PaymentID:  p.ID,
		DonationID: d.ID,
		UserID:     d.UserID,
		ProjectID:  d.ProjectID,
		Amount:     p.Amount,
		Currency:   p.Currency,
		From:       string(from),
		To:         string(p.Status),
		Reason:     reason,
	})
	if err := publisher.Publish(ctx, ev); err != nil {
		logger.Warn("failed to publish payment event", "payment_id", p.ID, "event_type", ev.EventType(), "error", err)
	}
}
