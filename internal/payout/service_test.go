package payout_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/donation"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payment"
	payoutDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payout"
	projectDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/project"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/events"
	"github.com/frahmantamala/crowdfunding-payments/internal/ledger"
	ledgerPostgres "github.com/frahmantamala/crowdfunding-payments/internal/ledger/postgres"
	"github.com/frahmantamala/crowdfunding-payments/internal/paymentgateway"
	"github.com/frahmantamala/crowdfunding-payments/internal/payout"
	projectPostgres "github.com/frahmantamala/crowdfunding-payments/internal/project/postgres"
	"github.com/frahmantamala/crowdfunding-payments/internal/testutil"
)

var _ = Describe("Summarize", func() {
	It("should leave 750 of 1000 after a 5% fee and a 200 payout", func() {
		s := payout.Summarize(ledger.FundsSnapshot{CompletedDonations: 1000, CompletedPayouts: 200}, 5)
		Expect(s.PlatformFee).To(Equal(int64(50)))
		Expect(s.Available).To(Equal(int64(750)))
	})

	It("should count processing payouts as spent", func() {
		s := payout.Summarize(ledger.FundsSnapshot{CompletedDonations: 1000, CompletedPayouts: 100, ProcessingPayouts: 100}, 5)
		Expect(s.Available).To(Equal(int64(750)))
	})

	It("should clamp at zero", func() {
		s := payout.Summarize(ledger.FundsSnapshot{CompletedDonations: 100, CompletedPayouts: 200}, 5)
		Expect(s.Available).To(BeZero())
		Expect(s.Requestable()).To(BeZero())
	})

	It("should subtract pending payouts only from what can be requested", func() {
		s := payout.Summarize(ledger.FundsSnapshot{CompletedDonations: 1000, PendingPayouts: 300}, 5)
		Expect(s.Available).To(Equal(int64(950)))
		Expect(s.Requestable()).To(Equal(int64(650)))
	})

	DescribeTable("PercentOf rounds up to the next minor unit",
		func(amount int64, pct float64, want int64) {
			Expect(payout.PercentOf(amount, pct)).To(Equal(want))
		},
		Entry("exact", int64(1000), 5.0, int64(50)),
		Entry("fractional", int64(333), 5.0, int64(17)),
		Entry("fractional percentage", int64(1000), 2.5, int64(25)),
		Entry("zero percent", int64(1000), 0.0, int64(0)),
		Entry("zero amount", int64(0), 5.0, int64(0)),
	)
})

var _ = Describe("Payout Service", func() {
	const creator int64 = 7

	var (
		ctx       context.Context
		db        *gorm.DB
		store     *ledgerPostgres.LedgerStore
		gateway   *fakeGateway
		publisher *recordingPublisher
		service   *payout.Service
		proj      *projectDatamodel.Project
	)

	seedCompleted := func(amount int64) {
		d := &donation.Donation{
			ID: uuid.NewString(), UserID: 42, ProjectID: proj.ID, Amount: amount, Currency: "USD",
			Status: donation.StatusPending, IdempotencyKey: uuid.NewString(),
		}
		p := &payment.Payment{
			ID: uuid.NewString(), DonationID: d.ID, Amount: amount, Currency: "USD",
			Method: payment.MethodCard, Status: payment.StatusPending,
		}
		Expect(store.CreateDonationAndPayment(ctx, d, p)).To(Succeed())
		_, err := store.UpdatePaymentStatus(ctx, ledger.PaymentTransition{
			PaymentID: p.ID, From: payment.StatusPending, To: payment.StatusCompleted,
			TransactionID: "pi_" + p.ID, Donation: donation.StatusCompleted,
		})
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = testutil.OpenSQLite()
		Expect(err).NotTo(HaveOccurred())

		proj = &projectDatamodel.Project{
			ID: 1, CreatorID: creator, Title: "Solar school", Status: projectDatamodel.StatusFunded,
			Currency: "USD", PayoutAccountID: testutil.String("recp_school"),
		}
		Expect(db.Create(proj).Error).NotTo(HaveOccurred())

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		store = ledgerPostgres.NewLedgerStore(db)
		gateway = &fakeGateway{transfer: &paymentgateway.Transfer{ID: "trsf_1", Status: paymentgateway.TransferPending}}
		publisher = &recordingPublisher{}
		service = payout.NewService(store, projectPostgres.NewProjectRepository(db), gateway, publisher, nil,
			internal.PayoutConfig{PlatformFeePercentage: 5, TransferFeePercentage: 1}, time.Second, logger)

		seedCompleted(1000)
	})

	Describe("CalculateAvailableFunds", func() {
		It("should report the breakdown from the ledger", func() {
			Expect(db.Create(&payoutDatamodel.Payout{
				ID: uuid.NewString(), ProjectID: proj.ID, UserID: creator, Amount: 200, Currency: "USD",
				Status: payoutDatamodel.StatusCompleted,
			}).Error).NotTo(HaveOccurred())

			summary, err := service.CalculateAvailableFunds(ctx, proj.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.CompletedDonations).To(Equal(int64(1000)))
			Expect(summary.PlatformFee).To(Equal(int64(50)))
			Expect(summary.CompletedPayouts).To(Equal(int64(200)))
			Expect(summary.Available).To(Equal(int64(750)))
			Expect(summary.Currency).To(Equal("USD"))
		})

		It("should only show funds to the creator", func() {
			_, err := service.GetFunds(ctx, creator+1, proj.ID)
			Expect(err).To(Equal(internal.ErrUnauthorizedAccess))

			_, err = service.GetFunds(ctx, creator, 404)
			Expect(err).To(Equal(internal.ErrProjectNotFound))
		})
	})

	Describe("RequestPayout", func() {
		It("should pay out everything available minus the transfer fee", func() {
			resp, err := service.RequestPayout(ctx, proj.ID, creator, payout.PayoutRequest{})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Amount).To(Equal(int64(950)))
			Expect(resp.FeeAmount).To(Equal(int64(10)))
			Expect(resp.TransferAmount).To(Equal(int64(940)))
			Expect(resp.Status).To(Equal(string(payoutDatamodel.StatusProcessing)))
			Expect(resp.TransferID).To(Equal("trsf_1"))

			Expect(gateway.lastTransfer.Amount).To(Equal(int64(940)))
			Expect(gateway.lastTransfer.Destination).To(Equal("recp_school"))
			Expect(gateway.lastTransfer.IdempotencyKey).To(Equal(resp.ID))
			Expect(gateway.lastTransfer.Metadata).To(HaveKeyWithValue(payout.MetaPayoutID, resp.ID))
			Expect(publisher.Types()).To(Equal([]string{events.EventTypePayoutProcessing}))

			summary, err := service.CalculateAvailableFunds(ctx, proj.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Available).To(BeZero())
		})

		It("should refuse more than is available and insert nothing", func() {
			_, err := service.RequestPayout(ctx, proj.ID, creator, payout.PayoutRequest{Amount: testutil.Int64(951)})
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeInsufficientFunds))
			Expect(appErr.StatusCode).To(Equal(http.StatusBadRequest))

			var count int64
			Expect(db.Model(&payoutDatamodel.Payout{}).Count(&count).Error).NotTo(HaveOccurred())
			Expect(count).To(BeZero())
			Expect(gateway.calls).To(BeZero())
		})

		It("should hold back payouts still waiting on the processor", func() {
			gateway.transferErr = &paymentgateway.GatewayError{Kind: paymentgateway.KindNetworkError, Indeterminate: true}
			first, err := service.RequestPayout(ctx, proj.ID, creator, payout.PayoutRequest{Amount: testutil.Int64(600)})
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Status).To(Equal(string(payoutDatamodel.StatusPending)))

			gateway.transferErr = nil
			_, err = service.RequestPayout(ctx, proj.ID, creator, payout.PayoutRequest{Amount: testutil.Int64(400)})
			appErr, _ := internal.IsAppError(err)
			Expect(appErr.Code).To(Equal(internal.ErrCodeInsufficientFunds))

			second, err := service.RequestPayout(ctx, proj.ID, creator, payout.PayoutRequest{Amount: testutil.Int64(350)})
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Amount).To(Equal(int64(350)))
		})

		It("should record a rejected transfer as FAILED and free the funds", func() {
			gateway.transferErr = &paymentgateway.GatewayError{Kind: paymentgateway.KindInvalidRequest, Message: "recipient not verified"}

			_, err := service.RequestPayout(ctx, proj.ID, creator, payout.PayoutRequest{})
			appErr, _ := internal.IsAppError(err)
			Expect(appErr.StatusCode).To(Equal(http.StatusBadRequest))

			var stored payoutDatamodel.Payout
			Expect(db.First(&stored).Error).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(payoutDatamodel.StatusFailed))
			Expect(*stored.FailureReason).To(Equal(string(paymentgateway.KindInvalidRequest)))
			Expect(publisher.Types()).To(Equal([]string{events.EventTypePayoutFailed}))

			summary, err := service.CalculateAvailableFunds(ctx, proj.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Available).To(Equal(int64(950)))
		})

		DescribeTable("should refuse ineligible requests",
			func(mutate func(p *projectDatamodel.Project) int64, status int) {
				requester := mutate(proj)
				Expect(db.Save(proj).Error).NotTo(HaveOccurred())

				_, err := service.RequestPayout(ctx, proj.ID, requester, payout.PayoutRequest{})
				appErr, ok := internal.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.StatusCode).To(Equal(status))
				Expect(gateway.calls).To(BeZero())
			},
			Entry("not the creator", func(_ *projectDatamodel.Project) int64 { return creator + 1 }, http.StatusForbidden),
			Entry("project closed", func(p *projectDatamodel.Project) int64 {
				p.Status = projectDatamodel.StatusClosed
				return creator
			}, http.StatusBadRequest),
			Entry("no payout account", func(p *projectDatamodel.Project) int64 {
				p.PayoutAccountID = nil
				return creator
			}, http.StatusBadRequest),
		)
	})

	Describe("HandleTransferEvent", func() {
		var created *payout.PayoutResponse

		BeforeEach(func() {
			var err error
			created, err = service.RequestPayout(ctx, proj.ID, creator, payout.PayoutRequest{Amount: testutil.Int64(500)})
			Expect(err).NotTo(HaveOccurred())
		})

		transferEvent := func(typ paymentgateway.EventType, id string, md map[string]string) *paymentgateway.Event {
			return paymentgateway.NewEvent("evt_"+uuid.NewString(), typ, paymentgateway.EventObject{ID: id, Metadata: md}, time.Now())
		}

		It("should complete the payout once", func() {
			ev := transferEvent(paymentgateway.EventTransferPaid, "trsf_1", nil)
			Expect(service.HandleTransferEvent(ctx, ev)).To(Succeed())
			Expect(service.HandleTransferEvent(ctx, ev)).To(Succeed())

			stored, err := store.GetPayout(ctx, created.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(payoutDatamodel.StatusCompleted))
			Expect(stored.ProcessedAt).NotTo(BeNil())
			Expect(publisher.Types()).To(Equal([]string{events.EventTypePayoutProcessing, events.EventTypePayoutCompleted}))
		})

		It("should fail the payout with the processor's reason", func() {
			ev := transferEvent(paymentgateway.EventTransferFailed, "trsf_1", nil)
			ev.Data.Object.FailureReason = "account_closed"
			Expect(service.HandleTransferEvent(ctx, ev)).To(Succeed())

			stored, err := store.GetPayout(ctx, created.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(payoutDatamodel.StatusFailed))
			Expect(*stored.FailureReason).To(Equal("account_closed"))
		})

		It("should find a payout through its metadata when the transfer id was never stored", func() {
			gateway.transferErr = &paymentgateway.GatewayError{Kind: paymentgateway.KindNetworkError, Indeterminate: true}
			pending, err := service.RequestPayout(ctx, proj.ID, creator, payout.PayoutRequest{Amount: testutil.Int64(100)})
			Expect(err).NotTo(HaveOccurred())

			ev := transferEvent(paymentgateway.EventTransferPaid, "trsf_late", map[string]string{payout.MetaPayoutID: pending.ID})
			Expect(service.HandleTransferEvent(ctx, ev)).To(Succeed())

			stored, err := store.GetPayout(ctx, pending.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(payoutDatamodel.StatusCompleted))
			Expect(*stored.ExternalTransferID).To(Equal("trsf_late"))
		})

		It("should acknowledge events for unknown transfers", func() {
			Expect(service.HandleTransferEvent(ctx, transferEvent(paymentgateway.EventTransferPaid, "trsf_other", nil))).To(Succeed())
		})
	})
})
