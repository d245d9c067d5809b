package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	payoutDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payout"
	projectDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/project"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/events"
	"github.com/frahmantamala/crowdfunding-payments/internal/ledger"
	"github.com/frahmantamala/crowdfunding-payments/internal/metrics"
	"github.com/frahmantamala/crowdfunding-payments/internal/paymentgateway"
	"github.com/frahmantamala/crowdfunding-payments/internal/project"
)

type ServiceAPI interface {
	GetFunds(ctx context.Context, requesterID, projectID int64) (*FundsSummary, error)
	RequestPayout(ctx context.Context, projectID, requesterID int64, req PayoutRequest) (*PayoutResponse, error)
}

type Service struct {
	store     ledger.PayoutStore
	projects  project.RepositoryAPI
	gateway   paymentgateway.Gateway
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       internal.PayoutConfig
	timeout   time.Duration
	logger    *slog.Logger
}

// NewService wires the payout engine.
func NewService(
	store ledger.PayoutStore,
	projects project.RepositoryAPI,
	gateway paymentgateway.Gateway,
	publisher events.Publisher,
	m *metrics.Metrics,
	cfg internal.PayoutConfig,
	gatewayTimeout time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:     store,
		projects:  projects,
		gateway:   gateway,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		timeout:   gatewayTimeout,
		logger:    logger,
	}
}

// CalculateAvailableFunds reports what a project can still withdraw.
func (s *Service) CalculateAvailableFunds(ctx context.Context, projectID int64) (*FundsSummary, error) {
	proj, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	snap, err := s.store.FundsSnapshot(ctx, projectID)
	if err != nil {
		s.logger.Error("failed to read funds snapshot", "project_id", projectID, "error", err)
		return nil, internal.NewInternalError("failed to calculate funds", err)
	}
	summary := Summarize(snap, s.cfg.PlatformFeePercentage)
	summary.ProjectID = proj.ID
	summary.Currency = proj.Currency
	return &summary, nil
}

// GetFunds is the creator-only view of CalculateAvailableFunds.
func (s *Service) GetFunds(ctx context.Context, requesterID, projectID int64) (*FundsSummary, error) {
	proj, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if proj.CreatorID != requesterID {
		s.logger.Warn("unauthorized access to project funds", "project_id", projectID, "user_id", requesterID)
		return nil, internal.ErrUnauthorizedAccess
	}
	return s.CalculateAvailableFunds(ctx, projectID)
}

// RequestPayout reserves funds for a payout and starts the transfer.
func (s *Service) RequestPayout(ctx context.Context, projectID, requesterID int64, req PayoutRequest) (*PayoutResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	proj, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if proj.CreatorID != requesterID {
		s.logger.Warn("payout requested by non-creator", "project_id", projectID, "user_id", requesterID)
		return nil, internal.ErrUnauthorizedAccess
	}
	if !proj.AcceptsPayouts() {
		return nil, internal.NewValidationError(
			fmt.Sprintf("project is %s and cannot be paid out", proj.Status), internal.ErrCodePayoutIneligible)
	}
	if proj.PayoutAccountID == nil || *proj.PayoutAccountID == "" {
		return nil, internal.NewValidationError("project has no payout account configured", internal.ErrCodePayoutIneligible)
	}

	var summary FundsSummary
	p, err := s.store.CreatePayout(ctx, projectID, func(locked *projectDatamodel.Project, snap ledger.FundsSnapshot) (*payoutDatamodel.Payout, error) {
		summary = Summarize(snap, s.cfg.PlatformFeePercentage)
		available := summary.Requestable()
		if available <= 0 {
			return nil, errNothingAvailable
		}
		amount := available
		if req.Amount != nil {
			amount = *req.Amount
		}
		if amount > available {
			return nil, errInsufficientFunds
		}
		fee := PercentOf(amount, s.cfg.TransferFeePercentage)
		if fee >= amount {
			return nil, errFeeExceedsAmount
		}
		return &payoutDatamodel.Payout{
			ID:        uuid.NewString(),
			ProjectID: locked.ID,
			UserID:    requesterID,
			Amount:    amount,
			FeeAmount: fee,
			Currency:  locked.Currency,
			Status:    payoutDatamodel.StatusPending,
		}, nil
	})
	if err != nil {
		return nil, s.payoutError(projectID, summary, err)
	}

	s.metrics.Payout(string(p.Status))
	s.logger.Info("payout created",
		"payout_id", p.ID,
		"project_id", projectID,
		"amount", p.Amount,
		"fee_amount", p.FeeAmount)

	workCtx, cancel := internal.Detached(ctx, s.timeout)
	defer cancel()
	return s.transfer(workCtx, proj, p)
}

func (s *Service) payoutError(projectID int64, summary FundsSummary, err error) error {
	switch {
	case errors.Is(err, errNothingAvailable), errors.Is(err, errInsufficientFunds):
		return internal.NewValidationError(
			fmt.Sprintf("requested amount exceeds the %d available for payout", summary.Requestable()),
			internal.ErrCodeInsufficientFunds).WithDetails(summary)
	case errors.Is(err, errFeeExceedsAmount):
		return internal.NewValidationError("payout amount does not cover the transfer fee", internal.ErrCodePayoutIneligible)
	case errors.Is(err, ledger.ErrNotFound):
		return internal.ErrProjectNotFound
	}
	s.logger.Error("failed to create payout", "project_id", projectID, "error", err)
	return internal.NewInternalError("failed to create payout", err)
}

func (s *Service) transfer(ctx context.Context, proj *projectDatamodel.Project, p *payoutDatamodel.Payout) (*PayoutResponse, error) {
	log := s.logger.With("payout_id", p.ID, "project_id", proj.ID)

	tr, err := s.gateway.CreateTransfer(ctx, paymentgateway.TransferRequest{
		Destination:    *proj.PayoutAccountID,
		Amount:         p.TransferAmount(),
		Currency:       p.Currency,
		IdempotencyKey: p.ID,
		Metadata: map[string]string{
			MetaPayoutID: p.ID,
			"project_id": strconv.FormatInt(proj.ID, 10),
		},
	})
	if err != nil {
		gwErr, ok := paymentgateway.AsGatewayError(err)
		if ok && gwErr.Indeterminate {
			log.Warn("transfer outcome unknown, waiting for webhook", "error", err)
			return ToPayoutResponse(p), nil
		}
		reason := "transfer_error"
		if ok {
			reason = string(gwErr.Kind)
		}
		log.Warn("transfer rejected", "reason", reason, "error", err)
		if _, uerr := s.apply(ctx, p, payoutDatamodel.StatusFailed, "", reason); uerr != nil {
			log.Error("failed to record payout failure", "error", uerr)
		}
		return nil, paymentgateway.ToAppError(err)
	}

	to := payoutDatamodel.StatusProcessing
	reason := ""
	switch tr.Status {
	case paymentgateway.TransferPaid:
		to = payoutDatamodel.StatusCompleted
	case paymentgateway.TransferFailed:
		to, reason = payoutDatamodel.StatusFailed, "transfer failed"
	}

	updated, err := s.apply(ctx, p, to, tr.ID, reason)
	if errors.Is(err, ledger.ErrConflict) {
		// the transfer webhook was applied first
		if updated, err = s.store.GetPayout(ctx, p.ID); err == nil {
			return ToPayoutResponse(updated), nil
		}
	}
	if err != nil {
		log.Error("transfer sent but payout not updated", "transfer_id", tr.ID, "error", err)
		return nil, internal.NewInternalError("failed to record payout transfer", err)
	}

	log.Info("payout transfer submitted", "transfer_id", tr.ID, "status", updated.Status)
	return ToPayoutResponse(updated), nil
}

// apply moves p from its current status and publishes the change.
func (s *Service) apply(ctx context.Context, p *payoutDatamodel.Payout, to payoutDatamodel.Status, transferID, reason string) (*payoutDatamodel.Payout, error) {
	t := ledger.PayoutTransition{
		PayoutID:      p.ID,
		From:          p.Status,
		To:            to,
		TransferID:    transferID,
		FailureReason: reason,
	}
	if to == payoutDatamodel.StatusCompleted {
		now := time.Now().UTC()
		t.ProcessedAt = &now
	}
	updated, err := s.store.UpdatePayoutStatus(ctx, t)
	if err != nil {
		return nil, err
	}

	s.metrics.Payout(string(updated.Status))
	s.publish(ctx, updated, reason)
	return updated, nil
}

func (s *Service) publish(ctx context.Context, p *payoutDatamodel.Payout, reason string) {
	if s.publisher == nil {
		return
	}
	transferID := ""
	if p.ExternalTransferID != nil {
		transferID = *p.ExternalTransferID
	}
	ev := events.NewPayoutTransitionedEvent(p.ID, p.ProjectID, p.UserID, p.Amount, p.Currency, string(p.Status), transferID, reason)
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish payout event", "payout_id", p.ID, "error", err)
	}
}

// HandleTransferEvent finishes a payout from a transfer.paid or transfer.failed event.
// Events for unknown payouts or payouts already final are acknowledged and skipped.
func (s *Service) HandleTransferEvent(ctx context.Context, ev *paymentgateway.Event) error {
	obj := ev.Object()
	log := s.logger.With("event_id", ev.ID, "transfer_id", obj.ID)

	p, err := s.store.GetPayoutByTransferID(ctx, obj.ID)
	if errors.Is(err, ledger.ErrNotFound) && obj.Metadata[MetaPayoutID] != "" {
		p, err = s.store.GetPayout(ctx, obj.Metadata[MetaPayoutID])
	}
	if errors.Is(err, ledger.ErrNotFound) {
		log.Warn("transfer event for unknown payout")
		return nil
	}
	if err != nil {
		return err
	}

	to, reason := payoutDatamodel.StatusCompleted, ""
	if ev.Type == paymentgateway.EventTransferFailed {
		to, reason = payoutDatamodel.StatusFailed, obj.FailureReason
		if reason == "" {
			reason = "transfer failed"
		}
	}
	if !p.Status.CanTransitionTo(to) {
		log.Info("payout already final, skipping", "payout_id", p.ID, "status", p.Status)
		return nil
	}

	updated, err := s.apply(ctx, p, to, obj.ID, reason)
	if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrIllegalTransition) {
		log.Info("payout moved on concurrently, skipping", "payout_id", p.ID, "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	log.Info("payout reconciled", "payout_id", updated.ID, "status", updated.Status)
	return nil
}

func (s *Service) loadProject(ctx context.Context, projectID int64) (*projectDatamodel.Project, error) {
	proj, err := s.projects.GetProject(ctx, projectID)
	if errors.Is(err, project.ErrNotFound) {
		return nil, internal.ErrProjectNotFound
	}
	if err != nil {
		s.logger.Error("failed to load project", "project_id", projectID, "error", err)
		return nil, internal.NewInternalError("failed to load project", err)
	}
	return proj, nil
}
