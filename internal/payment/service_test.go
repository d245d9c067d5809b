package payment_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/donation"
	paymentDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payment"
	projectDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/project"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/events"
	"github.com/frahmantamala/crowdfunding-payments/internal/idempotency"
	"github.com/frahmantamala/crowdfunding-payments/internal/payment"
	"github.com/frahmantamala/crowdfunding-payments/internal/paymentgateway"
	"github.com/frahmantamala/crowdfunding-payments/internal/testutil"
)

func expectAppError(err error, status int, code internal.ErrorCode) *internal.AppError {
	appErr, ok := internal.IsAppError(err)
	ExpectWithOffset(1, ok).To(BeTrue(), "expected an AppError, got %v", err)
	ExpectWithOffset(1, appErr.StatusCode).To(Equal(status))
	ExpectWithOffset(1, appErr.Code).To(Equal(code))
	return appErr
}

var _ = Describe("Payment Service", func() {
	const donor int64 = 42

	var (
		f       *fixture
		service *payment.Service
		ctx     context.Context
		req     payment.CreateDonationRequest
	)

	BeforeEach(func() {
		ctx = context.Background()
		f = newFixture()
		service = payment.NewService(f.store, f.projects, f.guard, f.gateway, f.publisher, nil, time.Second, f.logger)
		req = payment.CreateDonationRequest{
			ProjectID:       f.project.ID,
			Amount:          5000,
			Currency:        "usd",
			PaymentMethod:   "card",
			PaymentMethodID: "tok_success",
			IdempotencyKey:  "abc123",
		}
	})

	Describe("CreateAndProcessDonation", func() {
		It("should complete a card donation and replay it without a second processor call", func() {
			first, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Replayed).To(BeFalse())
			Expect(first.Status).To(Equal(string(donation.StatusCompleted)))
			Expect(first.PaymentStatus).To(Equal(string(paymentDatamodel.StatusCompleted)))
			Expect(first.Currency).To(Equal("USD"))

			stored, err := f.store.GetPayment(ctx, first.PaymentID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.TransactionID()).To(Equal("pi_" + first.PaymentID))
			Expect(stored.FeeAmount).To(Equal(int64(175)))
			Expect(stored.NetAmount).To(Equal(int64(4825)))

			Expect(f.gateway.lastIntent.IdempotencyKey).To(Equal(first.PaymentID))
			Expect(f.gateway.lastIntent.Metadata).To(HaveKeyWithValue(paymentDatamodel.MetaPaymentID, first.PaymentID))
			Expect(f.gateway.lastIntent.Metadata).To(HaveKeyWithValue(paymentDatamodel.MetaDonationID, first.DonationID))
			Expect(f.publisher.Types()).To(Equal([]string{events.EventTypePaymentCompleted}))

			again, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Replayed).To(BeTrue())
			Expect(again.DonationID).To(Equal(first.DonationID))
			Expect(again.PaymentID).To(Equal(first.PaymentID))
			Expect(again.PaymentStatus).To(Equal(string(paymentDatamodel.StatusCompleted)))
			Expect(f.gateway.intentCalls).To(Equal(1))
			Expect(f.publisher.Types()).To(HaveLen(1))
		})

		It("should treat the same client key from another donor as a new request", func() {
			_, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			_, err = service.CreateAndProcessDonation(ctx, donor+1, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.gateway.intentCalls).To(Equal(2))
		})

		It("should record PROCESSING for asynchronous methods", func() {
			f.gateway.intent = &paymentgateway.Intent{Status: paymentgateway.IntentProcessing}
			req.PaymentMethod = "bank_transfer"

			resp, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.PaymentStatus).To(Equal(string(paymentDatamodel.StatusProcessing)))
			Expect(resp.Status).To(Equal(string(donation.StatusPending)))
			Expect(f.publisher.Types()).To(Equal([]string{events.EventTypePaymentProcessing}))
		})

		It("should keep PENDING and hand back the client secret when action is required", func() {
			f.gateway.intent = &paymentgateway.Intent{ID: "pi_3ds", Status: paymentgateway.IntentRequiresAction, ClientSecret: "pi_3ds_secret"}

			resp, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.PaymentStatus).To(Equal(string(paymentDatamodel.StatusPending)))
			Expect(resp.ClientSecret).To(Equal("pi_3ds_secret"))

			stored, err := f.store.GetPaymentByTransactionID(ctx, "pi_3ds")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.ID).To(Equal(resp.PaymentID))
			Expect(f.publisher.Types()).To(BeEmpty())
		})

		It("should fail the donation and release the reward when the card is declined", func() {
			reward := f.addReward(5, 1000, testutil.Int(1))
			req.RewardID = &reward.ID
			f.gateway.intentErr = &paymentgateway.GatewayError{Kind: paymentgateway.KindCardDeclined, Code: "card_declined"}

			_, err := service.CreateAndProcessDonation(ctx, donor, req)
			appErr := expectAppError(err, http.StatusPaymentRequired, internal.ErrCodeCardDeclined)
			Expect(appErr.Retryable).To(BeFalse())

			var stored projectDatamodel.Reward
			Expect(f.db.First(&stored, reward.ID).Error).NotTo(HaveOccurred())
			Expect(stored.QuantityClaimed).To(Equal(0))
			Expect(f.publisher.Types()).To(Equal([]string{events.EventTypePaymentFailed}))

			replay, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(replay.Replayed).To(BeTrue())
			Expect(replay.Status).To(Equal(string(donation.StatusFailed)))
			Expect(replay.PaymentStatus).To(Equal(string(paymentDatamodel.StatusFailed)))
			Expect(f.gateway.intentCalls).To(Equal(1))
		})

		It("should free the key after a retryable failure so the client can try again", func() {
			f.gateway.intentErr = &paymentgateway.GatewayError{Kind: paymentgateway.KindRateLimited}

			_, err := service.CreateAndProcessDonation(ctx, donor, req)
			appErr := expectAppError(err, http.StatusTooManyRequests, internal.ErrCodeRateLimited)
			Expect(appErr.Retryable).To(BeTrue())

			f.gateway.intentErr = nil
			resp, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Replayed).To(BeFalse())
			Expect(resp.PaymentStatus).To(Equal(string(paymentDatamodel.StatusCompleted)))
			Expect(f.gateway.intentCalls).To(Equal(2))

			var count int64
			Expect(f.db.Model(&donation.Donation{}).Count(&count).Error).NotTo(HaveOccurred())
			Expect(count).To(Equal(int64(2)))
		})

		It("should leave the payment PENDING when the processor outcome is unknown", func() {
			f.gateway.intentErr = &paymentgateway.GatewayError{Kind: paymentgateway.KindNetworkError, Indeterminate: true, Err: context.DeadlineExceeded}

			resp, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.PaymentStatus).To(Equal(string(paymentDatamodel.StatusPending)))
			Expect(f.publisher.Types()).To(BeEmpty())
		})

		It("should answer 409 while the same request is still in flight", func() {
			key := idempotency.DonationKey(donor, req.ProjectID, req.Amount, req.IdempotencyKey)
			_, err := f.guard.Reserve(ctx, idempotency.ScopeDonation, key)
			Expect(err).NotTo(HaveOccurred())

			_, err = service.CreateAndProcessDonation(ctx, donor, req)
			expectAppError(err, http.StatusConflict, internal.ErrCodeRequestInProgress)
			Expect(f.gateway.intentCalls).To(BeZero())
		})

		It("should refuse the last reward slot once it is taken", func() {
			reward := f.addReward(6, 1000, testutil.Int(1))
			req.RewardID = &reward.ID

			_, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())

			req.IdempotencyKey = "other"
			_, err = service.CreateAndProcessDonation(ctx, donor+1, req)
			expectAppError(err, http.StatusConflict, internal.ErrCodeRewardUnavailable)
			Expect(f.gateway.intentCalls).To(Equal(1))
		})

		It("should replay a donation that took the last reward slot", func() {
			reward := f.addReward(6, 1000, testutil.Int(1))
			req.RewardID = &reward.ID

			first, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())

			again, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Replayed).To(BeTrue())
			Expect(again.DonationID).To(Equal(first.DonationID))
			Expect(again.Status).To(Equal(string(donation.StatusCompleted)))
			Expect(f.gateway.intentCalls).To(Equal(1))
		})

		It("should replay a donation after the project is funded", func() {
			first, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.db.Model(f.project).Update("status", projectDatamodel.StatusFunded).Error).NotTo(HaveOccurred())

			again, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Replayed).To(BeTrue())
			Expect(again.DonationID).To(Equal(first.DonationID))
			Expect(again.PaymentID).To(Equal(first.PaymentID))
			Expect(f.gateway.intentCalls).To(Equal(1))
		})

		It("should free the key when the project check fails", func() {
			Expect(f.db.Model(f.project).Update("status", projectDatamodel.StatusDraft).Error).NotTo(HaveOccurred())
			_, err := service.CreateAndProcessDonation(ctx, donor, req)
			expectAppError(err, http.StatusBadRequest, internal.ErrCodeProjectNotActive)

			Expect(f.db.Model(f.project).Update("status", projectDatamodel.StatusActive).Error).NotTo(HaveOccurred())
			resp, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Replayed).To(BeFalse())
			Expect(f.gateway.intentCalls).To(Equal(1))
		})

		DescribeTable("should reject invalid requests before touching the processor",
			func(mutate func(r *payment.CreateDonationRequest, f *fixture), status int, code internal.ErrorCode) {
				mutate(&req, f)
				_, err := service.CreateAndProcessDonation(ctx, donor, req)
				Expect(err).To(HaveOccurred())
				appErr, ok := internal.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.StatusCode).To(Equal(status))
				if code != "" {
					Expect(appErr.Code).To(Equal(code))
				}
				Expect(f.gateway.intentCalls).To(BeZero())
			},
			Entry("unknown payment method", func(r *payment.CreateDonationRequest, _ *fixture) {
				r.PaymentMethod = "cheque"
			}, http.StatusBadRequest, internal.ErrCodeValidationFailed),
			Entry("missing idempotency key", func(r *payment.CreateDonationRequest, _ *fixture) {
				r.IdempotencyKey = ""
			}, http.StatusBadRequest, internal.ErrCodeValidationFailed),
			Entry("unknown project", func(r *payment.CreateDonationRequest, _ *fixture) {
				r.ProjectID = 999
			}, http.StatusNotFound, internal.ErrCodeProjectNotFound),
			Entry("currency differs from the project", func(r *payment.CreateDonationRequest, _ *fixture) {
				r.Currency = "EUR"
			}, http.StatusBadRequest, internal.ErrCodeValidationFailed),
			Entry("amount under the currency minimum", func(r *payment.CreateDonationRequest, _ *fixture) {
				r.Amount = 50
			}, http.StatusBadRequest, internal.ErrCodeValidationFailed),
			Entry("project no longer active", func(_ *payment.CreateDonationRequest, f *fixture) {
				Expect(f.db.Model(f.project).Update("status", projectDatamodel.StatusClosed).Error).NotTo(HaveOccurred())
			}, http.StatusBadRequest, internal.ErrCodeProjectNotActive),
			Entry("amount below the reward minimum", func(r *payment.CreateDonationRequest, f *fixture) {
				reward := f.addReward(8, 10000, nil)
				r.RewardID = &reward.ID
			}, http.StatusBadRequest, internal.ErrCodeValidationFailed),
			Entry("reward from another project", func(r *payment.CreateDonationRequest, f *fixture) {
				other := &projectDatamodel.Reward{ID: 9, ProjectID: 77, Title: "Elsewhere", MinimumAmount: 100}
				Expect(f.db.Create(other).Error).NotTo(HaveOccurred())
				r.RewardID = &other.ID
			}, http.StatusBadRequest, internal.ErrCodeValidationFailed),
		)
	})

	Describe("GetDonation", func() {
		It("should only show a donation to its donor", func() {
			created, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())

			got, err := service.GetDonation(ctx, donor, created.DonationID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.PaymentID).To(Equal(created.PaymentID))

			_, err = service.GetDonation(ctx, donor+1, created.DonationID)
			Expect(err).To(Equal(internal.ErrUnauthorizedAccess))

			_, err = service.GetDonation(ctx, donor, "missing")
			Expect(err).To(Equal(internal.ErrDonationNotFound))
		})
	})

	Describe("RefundPayment", func() {
		var created *payment.DonationResponse

		BeforeEach(func() {
			var err error
			created, err = service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())
			f.gateway.refund = &paymentgateway.Refund{ID: "re_1", Status: paymentgateway.RefundSucceeded}
		})

		It("should refund once and reject the second attempt", func() {
			resp, err := service.RefundPayment(ctx, created.PaymentID, payment.RefundRequest{Reason: "donor request"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.PaymentStatus).To(Equal(string(paymentDatamodel.StatusRefunded)))
			Expect(resp.RefundedAmount).To(Equal(int64(5000)))
			Expect(f.gateway.lastRefund).To(Equal(int64(5000)))

			d, err := f.store.GetDonation(ctx, created.DonationID)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Status).To(Equal(donation.StatusRefunded))
			Expect(f.publisher.Types()).To(ContainElement(events.EventTypePaymentRefunded))

			_, err = service.RefundPayment(ctx, created.PaymentID, payment.RefundRequest{Reason: "again"})
			expectAppError(err, http.StatusConflict, internal.ErrCodePaymentNotRefund)
			Expect(f.gateway.refundCalls).To(Equal(1))
		})

		It("should keep the payment COMPLETED after a partial refund", func() {
			resp, err := service.RefundPayment(ctx, created.PaymentID, payment.RefundRequest{Reason: "partial", Amount: testutil.Int64(2000)})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.PaymentStatus).To(Equal(string(paymentDatamodel.StatusCompleted)))
			Expect(resp.RefundedAmount).To(Equal(int64(2000)))

			d, err := f.store.GetDonation(ctx, created.DonationID)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Status).To(Equal(donation.StatusCompleted))
			Expect(f.publisher.Types()).NotTo(ContainElement(events.EventTypePaymentRefunded))

			snap, err := f.store.FundsSnapshot(ctx, f.project.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.CompletedDonations).To(Equal(int64(3000)))

			f.gateway.refund = &paymentgateway.Refund{ID: "re_2", Status: paymentgateway.RefundSucceeded}
			rest, err := service.RefundPayment(ctx, created.PaymentID, payment.RefundRequest{Reason: "the rest"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rest.PaymentStatus).To(Equal(string(paymentDatamodel.StatusRefunded)))
			Expect(rest.RefundedAmount).To(Equal(int64(5000)))
			Expect(f.gateway.lastRefund).To(Equal(int64(3000)))
			Expect(f.gateway.refundCalls).To(Equal(2))

			snap, err = f.store.FundsSnapshot(ctx, f.project.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.CompletedDonations).To(BeZero())
		})

		It("should hold the refund key when the processor outcome is unknown", func() {
			f.gateway.refundErr = &paymentgateway.GatewayError{Kind: paymentgateway.KindNetworkError, Indeterminate: true, Err: context.DeadlineExceeded}

			_, err := service.RefundPayment(ctx, created.PaymentID, payment.RefundRequest{Reason: "timeout"})
			Expect(err).To(HaveOccurred())

			f.gateway.refundErr = nil
			_, err = service.RefundPayment(ctx, created.PaymentID, payment.RefundRequest{Reason: "timeout"})
			Expect(err).To(Equal(internal.ErrRequestInProgress))
			Expect(f.gateway.refundCalls).To(Equal(1))
		})

		It("should log the payment when the refund result cannot be stored", func() {
			var logs bytes.Buffer
			guard := &brokenCompleteGuard{Guard: f.guard, err: errors.New("idempotency store down")}
			svc := payment.NewService(f.store, f.projects, guard, f.gateway, f.publisher, nil, time.Second,
				slog.New(slog.NewTextHandler(&logs, nil)))

			resp, err := svc.RefundPayment(ctx, created.PaymentID, payment.RefundRequest{Reason: "donor request"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.PaymentStatus).To(Equal(string(paymentDatamodel.StatusRefunded)))
			Expect(logs.String()).To(ContainSubstring("idempotency result not stored"))
			Expect(logs.String()).To(ContainSubstring("payment_id=" + created.PaymentID))
		})

		It("should reject a refund larger than what is left", func() {
			_, err := service.RefundPayment(ctx, created.PaymentID, payment.RefundRequest{Reason: "too much", Amount: testutil.Int64(9000)})
			Expect(err).To(HaveOccurred())
			appErr, _ := internal.IsAppError(err)
			Expect(appErr.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(f.gateway.refundCalls).To(BeZero())
		})

		It("should keep the payment COMPLETED while the refund is pending", func() {
			f.gateway.refund = &paymentgateway.Refund{ID: "re_pending", Status: paymentgateway.RefundPending}

			resp, err := service.RefundPayment(ctx, created.PaymentID, payment.RefundRequest{Reason: "bank transfer", Amount: testutil.Int64(2000)})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.RefundStatus).To(Equal(string(paymentgateway.RefundPending)))
			Expect(resp.PaymentStatus).To(Equal(string(paymentDatamodel.StatusCompleted)))

			stored, err := f.store.GetPayment(ctx, created.PaymentID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Metadata).To(HaveKeyWithValue(paymentDatamodel.MetaRefundID, "re_pending"))

			again, err := service.RefundPayment(ctx, created.PaymentID, payment.RefundRequest{Reason: "bank transfer"})
			Expect(err).NotTo(HaveOccurred())
			Expect(again.RefundID).To(Equal("re_pending"))
			Expect(f.gateway.refundCalls).To(Equal(1))
		})

		It("should return 404 for an unknown payment", func() {
			_, err := service.RefundPayment(ctx, "missing", payment.RefundRequest{Reason: "x"})
			Expect(err).To(Equal(internal.ErrPaymentNotFound))
		})
	})

	Describe("CapturePayment", func() {
		It("should only capture processing payments", func() {
			created, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())

			_, err = service.CapturePayment(ctx, created.PaymentID, payment.CaptureRequest{})
			expectAppError(err, http.StatusConflict, internal.ErrCodePaymentNotCapture)
			Expect(f.gateway.captureCalls).To(BeZero())
		})

		It("should ask the processor to capture an authorized payment", func() {
			f.gateway.intent = &paymentgateway.Intent{Status: paymentgateway.IntentProcessing}
			f.gateway.captureStatus = paymentgateway.IntentProcessing
			req.IdempotencyKey = "auth-only"
			created, err := service.CreateAndProcessDonation(ctx, donor, req)
			Expect(err).NotTo(HaveOccurred())

			resp, err := service.CapturePayment(ctx, created.PaymentID, payment.CaptureRequest{})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.PaymentStatus).To(Equal(string(paymentDatamodel.StatusProcessing)))
			Expect(resp.ProcessorStatus).To(Equal(string(paymentgateway.IntentProcessing)))
			Expect(f.gateway.captureCalls).To(Equal(1))
		})
	})
})

var _ = Describe("StatusForIntent", func() {
	DescribeTable("maps processor statuses onto the payment state machine",
		func(in paymentgateway.IntentStatus, want paymentDatamodel.Status) {
			Expect(payment.StatusForIntent(in)).To(Equal(want))
		},
		Entry("succeeded", paymentgateway.IntentSucceeded, paymentDatamodel.StatusCompleted),
		Entry("processing", paymentgateway.IntentProcessing, paymentDatamodel.StatusProcessing),
		Entry("requires_payment_method", paymentgateway.IntentRequiresPaymentMethod, paymentDatamodel.StatusFailed),
		Entry("requires_confirmation", paymentgateway.IntentRequiresConfirmation, paymentDatamodel.StatusPending),
		Entry("requires_action", paymentgateway.IntentRequiresAction, paymentDatamodel.StatusPending),
		Entry("canceled", paymentgateway.IntentCanceled, paymentDatamodel.StatusCancelled),
		Entry("unknown", paymentgateway.IntentStatus("mystery"), paymentDatamodel.StatusFailed),
	)
})
