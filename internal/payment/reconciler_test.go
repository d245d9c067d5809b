package payment_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/donation"
	paymentDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payment"
	projectDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/project"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/events"
	"github.com/frahmantamala/crowdfunding-payments/internal/idempotency"
	"github.com/frahmantamala/crowdfunding-payments/internal/ledger"
	"github.com/frahmantamala/crowdfunding-payments/internal/payment"
	"github.com/frahmantamala/crowdfunding-payments/internal/paymentgateway"
	"github.com/frahmantamala/crowdfunding-payments/internal/testutil"
)

type recordingTransfers struct {
	events []*paymentgateway.Event
}

func (r *recordingTransfers) HandleTransferEvent(_ context.Context, ev *paymentgateway.Event) error {
	r.events = append(r.events, ev)
	return nil
}

var _ = Describe("Webhook Reconciler", func() {
	var (
		f          *fixture
		reconciler *payment.Reconciler
		transfers  *recordingTransfers
		ctx        context.Context
		p          *paymentDatamodel.Payment
		d          *donation.Donation
	)

	// seed records a donation whose payment is in the given status and bound to txn.
	seed := func(status paymentDatamodel.Status, txn string, rewardID *int64) {
		d = &donation.Donation{
			ID: uuid.NewString(), UserID: 42, ProjectID: f.project.ID, Amount: 5000, Currency: "USD",
			RewardID: rewardID, Status: donation.StatusPending, IdempotencyKey: uuid.NewString(),
		}
		p = &paymentDatamodel.Payment{
			ID: uuid.NewString(), DonationID: d.ID, Amount: 5000, Currency: "USD",
			Method: paymentDatamodel.MethodCard, Status: paymentDatamodel.StatusPending,
		}
		Expect(f.store.CreateDonationAndPayment(ctx, d, p)).To(Succeed())

		path := map[paymentDatamodel.Status][]paymentDatamodel.Status{
			paymentDatamodel.StatusPending:    {},
			paymentDatamodel.StatusProcessing: {paymentDatamodel.StatusProcessing},
			paymentDatamodel.StatusCompleted:  {paymentDatamodel.StatusCompleted},
			paymentDatamodel.StatusDisputed:   {paymentDatamodel.StatusCompleted, paymentDatamodel.StatusDisputed},
		}[status]
		from := paymentDatamodel.StatusPending
		for _, to := range path {
			t := ledger.PaymentTransition{PaymentID: p.ID, From: from, To: to, TransactionID: txn}
			if to == paymentDatamodel.StatusCompleted && from == paymentDatamodel.StatusPending {
				t.Donation = donation.StatusCompleted
			}
			_, err := f.store.UpdatePaymentStatus(ctx, t)
			Expect(err).NotTo(HaveOccurred())
			from = to
		}
	}

	deliver := func(ev *paymentgateway.Event) error {
		payload, sig := signed(ev)
		return reconciler.HandleEvent(ctx, payload, sig)
	}

	intentEvent := func(typ paymentgateway.EventType, txn string) *paymentgateway.Event {
		return paymentgateway.NewEvent("evt_"+uuid.NewString(), typ, paymentgateway.EventObject{
			ID: txn, Amount: 5000, Currency: "usd", Fee: 175,
			Metadata: map[string]string{paymentDatamodel.MetaPaymentID: p.ID},
		}, time.Now())
	}

	current := func() *paymentDatamodel.Payment {
		got, err := f.store.GetPayment(ctx, p.ID)
		Expect(err).NotTo(HaveOccurred())
		return got
	}

	BeforeEach(func() {
		ctx = context.Background()
		f = newFixture()
		transfers = &recordingTransfers{}
		reconciler = payment.NewReconciler(f.store, f.guard, f.gateway, transfers, f.publisher, nil, time.Second, f.logger)
	})

	It("should apply a duplicated delivery once and notify once", func() {
		seed(paymentDatamodel.StatusProcessing, "pi_1", nil)
		ev := intentEvent(paymentgateway.EventPaymentSucceeded, "pi_1")

		Expect(deliver(ev)).To(Succeed())
		Expect(deliver(ev)).To(Succeed())

		got := current()
		Expect(got.Status).To(Equal(paymentDatamodel.StatusCompleted))
		Expect(got.FeeAmount).To(Equal(int64(175)))
		Expect(got.NetAmount).To(Equal(int64(4825)))
		Expect(f.publisher.Types()).To(Equal([]string{events.EventTypePaymentCompleted}))

		stored, err := f.store.GetDonation(ctx, d.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(donation.StatusCompleted))
	})

	It("should reject a bad signature with 403 before parsing", func() {
		seed(paymentDatamodel.StatusProcessing, "pi_1", nil)
		payload, _ := signed(intentEvent(paymentgateway.EventPaymentSucceeded, "pi_1"))

		err := reconciler.HandleEvent(ctx, payload, "t=1,v1=deadbeef")
		expectAppError(err, http.StatusForbidden, internal.ErrCodeSignatureInvalid)
		Expect(current().Status).To(Equal(paymentDatamodel.StatusProcessing))
	})

	It("should reject a signed but malformed payload with 400", func() {
		payload := []byte(`{"id":"evt_1"}`)
		err := reconciler.HandleEvent(ctx, payload, paymentgateway.SignPayload(webhookSecret, payload, time.Now()))
		expectAppError(err, http.StatusBadRequest, internal.ErrCodeInvalidWebhook)
	})

	It("should answer 409 while another delivery of the event is in flight", func() {
		seed(paymentDatamodel.StatusProcessing, "pi_1", nil)
		ev := intentEvent(paymentgateway.EventPaymentSucceeded, "pi_1")
		_, err := f.guard.Reserve(ctx, idempotency.ScopeWebhook, ev.ID)
		Expect(err).NotTo(HaveOccurred())

		err = deliver(ev)
		expectAppError(err, http.StatusConflict, internal.ErrCodeRequestInProgress)
		Expect(current().Status).To(Equal(paymentDatamodel.StatusProcessing))
	})

	It("should match a payment whose intent call timed out through its metadata", func() {
		seed(paymentDatamodel.StatusPending, "", nil)

		Expect(deliver(intentEvent(paymentgateway.EventPaymentSucceeded, "pi_late"))).To(Succeed())

		got := current()
		Expect(got.Status).To(Equal(paymentDatamodel.StatusCompleted))
		Expect(got.TransactionID()).To(Equal("pi_late"))
	})

	It("should ignore an event that arrives after the payment finished", func() {
		seed(paymentDatamodel.StatusCompleted, "pi_1", nil)

		Expect(deliver(intentEvent(paymentgateway.EventPaymentFailed, "pi_1"))).To(Succeed())
		Expect(current().Status).To(Equal(paymentDatamodel.StatusCompleted))
		Expect(f.publisher.Types()).To(BeEmpty())
	})

	It("should fail the payment and give the reward back", func() {
		reward := f.addReward(3, 1000, testutil.Int(1))
		seed(paymentDatamodel.StatusProcessing, "pi_1", &reward.ID)
		ev := intentEvent(paymentgateway.EventPaymentFailed, "pi_1")
		ev.Data.Object.FailureReason = "insufficient_funds"

		Expect(deliver(ev)).To(Succeed())

		got := current()
		Expect(got.Status).To(Equal(paymentDatamodel.StatusFailed))
		Expect(*got.FailureReason).To(Equal("insufficient_funds"))

		var stored projectDatamodel.Reward
		Expect(f.db.First(&stored, reward.ID).Error).NotTo(HaveOccurred())
		Expect(stored.QuantityClaimed).To(Equal(0))
		Expect(f.publisher.Types()).To(Equal([]string{events.EventTypePaymentFailed}))
	})

	It("should keep the payment COMPLETED after a partial charge.refunded", func() {
		seed(paymentDatamodel.StatusCompleted, "pi_1", nil)
		ev := paymentgateway.NewEvent("evt_refund", paymentgateway.EventChargeRefunded, paymentgateway.EventObject{
			ID: "re_1", PaymentIntent: "pi_1", Amount: 2000, AmountRefunded: 2000,
		}, time.Now())

		Expect(deliver(ev)).To(Succeed())

		got := current()
		Expect(got.Status).To(Equal(paymentDatamodel.StatusCompleted))
		Expect(got.RefundedAmount).To(Equal(int64(2000)))
		Expect(got.Metadata).To(HaveKeyWithValue(paymentDatamodel.MetaRefundID, "re_1"))

		stored, err := f.store.GetDonation(ctx, d.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(donation.StatusCompleted))
		Expect(f.publisher.Types()).To(BeEmpty())
	})

	It("should finish the refund once the cumulative amount covers the payment", func() {
		seed(paymentDatamodel.StatusCompleted, "pi_1", nil)
		partial := paymentgateway.NewEvent("evt_refund_1", paymentgateway.EventChargeRefunded, paymentgateway.EventObject{
			ID: "re_1", PaymentIntent: "pi_1", Amount: 2000, AmountRefunded: 2000,
		}, time.Now())
		rest := paymentgateway.NewEvent("evt_refund_2", paymentgateway.EventChargeRefunded, paymentgateway.EventObject{
			ID: "re_2", PaymentIntent: "pi_1", Amount: 3000, AmountRefunded: 5000,
		}, time.Now())

		Expect(deliver(rest)).To(Succeed())
		Expect(deliver(partial)).To(Succeed())

		got := current()
		Expect(got.Status).To(Equal(paymentDatamodel.StatusRefunded))
		Expect(got.RefundedAmount).To(Equal(int64(5000)))
		Expect(got.Metadata).To(HaveKeyWithValue(paymentDatamodel.MetaRefundID, "re_2"))

		stored, err := f.store.GetDonation(ctx, d.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(donation.StatusRefunded))
		Expect(f.publisher.Types()).To(Equal([]string{events.EventTypePaymentRefunded}))
	})

	It("should move through a dispute that the platform wins", func() {
		seed(paymentDatamodel.StatusCompleted, "pi_1", nil)
		dispute := paymentgateway.EventObject{ID: "dp_1", PaymentIntent: "pi_1"}

		Expect(deliver(paymentgateway.NewEvent("evt_d1", paymentgateway.EventDisputeCreated, dispute, time.Now()))).To(Succeed())
		Expect(current().Status).To(Equal(paymentDatamodel.StatusDisputed))

		dispute.Status = paymentgateway.DisputeWon
		Expect(deliver(paymentgateway.NewEvent("evt_d2", paymentgateway.EventDisputeClosed, dispute, time.Now()))).To(Succeed())
		Expect(current().Status).To(Equal(paymentDatamodel.StatusCompleted))
		Expect(f.publisher.Types()).To(Equal([]string{events.EventTypePaymentDisputed, events.EventTypePaymentCompleted}))
	})

	It("should refund the donation when a dispute is lost", func() {
		seed(paymentDatamodel.StatusDisputed, "pi_1", nil)
		ev := paymentgateway.NewEvent("evt_lost", paymentgateway.EventDisputeClosed,
			paymentgateway.EventObject{ID: "dp_1", PaymentIntent: "pi_1", Status: paymentgateway.DisputeLost}, time.Now())

		Expect(deliver(ev)).To(Succeed())
		Expect(current().Status).To(Equal(paymentDatamodel.StatusRefunded))

		stored, err := f.store.GetDonation(ctx, d.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(donation.StatusRefunded))
	})

	It("should log the event when its outcome cannot be stored", func() {
		var logs bytes.Buffer
		guard := &brokenCompleteGuard{Guard: f.guard, err: errors.New("idempotency store down")}
		reconciler = payment.NewReconciler(f.store, guard, f.gateway, transfers, f.publisher, nil, time.Second,
			slog.New(slog.NewTextHandler(&logs, nil)))
		seed(paymentDatamodel.StatusProcessing, "pi_1", nil)
		ev := intentEvent(paymentgateway.EventPaymentSucceeded, "pi_1")

		Expect(deliver(ev)).To(Succeed())
		Expect(current().Status).To(Equal(paymentDatamodel.StatusCompleted))
		Expect(logs.String()).To(ContainSubstring("idempotency result not stored"))
		Expect(logs.String()).To(ContainSubstring("event_id=" + ev.ID))
	})

	It("should route transfer events to the payout engine", func() {
		ev := paymentgateway.NewEvent("evt_tr", paymentgateway.EventTransferPaid, paymentgateway.EventObject{ID: "trf_1"}, time.Now())

		Expect(deliver(ev)).To(Succeed())
		Expect(transfers.events).To(HaveLen(1))
		Expect(transfers.events[0].Object().ID).To(Equal("trf_1"))
	})

	It("should acknowledge unknown event types and unknown payments", func() {
		unknown := paymentgateway.NewEvent("evt_u", "customer.updated", paymentgateway.EventObject{ID: "cus_1"}, time.Now())
		Expect(deliver(unknown)).To(Succeed())

		orphan := paymentgateway.NewEvent("evt_o", paymentgateway.EventPaymentSucceeded, paymentgateway.EventObject{ID: "pi_nobody"}, time.Now())
		Expect(deliver(orphan)).To(Succeed())
		Expect(f.publisher.Types()).To(BeEmpty())
	})
})
