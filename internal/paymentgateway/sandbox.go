package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Method tokens understood by the sandbox. Anything else behaves like TokenSuccess
// for cards and like TokenAsyncSuccess for other methods.
const (
	TokenSuccess        = "tok_success"
	TokenDeclined       = "tok_declined"
	TokenRateLimited    = "tok_rate_limited"
	TokenNetworkError   = "tok_network_error"
	TokenInvalidKey     = "tok_invalid_key"
	TokenTimeout        = "tok_timeout"
	TokenRequiresAction = "tok_requires_action"
	TokenAsyncSuccess   = "tok_async_success"
	TokenAsyncFailure   = "tok_async_failure"

	// FailingDestination prefixes payout accounts whose transfers fail.
	FailingDestination = "acct_fail"
)

type WebhookJob struct {
	Event *Event
}

type Worker struct {
	ID         int
	WorkerPool chan chan WebhookJob
	JobChannel chan WebhookJob
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan WebhookJob, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan WebhookJob),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(WebhookJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("worker delivering webhook", "worker_id", w.ID, "event_id", job.Event.ID)
				processFunc(job)
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

type SandboxConfig struct {
	WebhookURL    string
	WebhookSecret string
	CallbackDelay time.Duration
	FeePercentage float64
	MaxWorkers    int
	JobQueueSize  int
}

type sandboxIntent struct {
	intent   Intent
	amount   int64
	currency string
	method   string
	metadata map[string]string
	refunded int64
}

// Sandbox is an in-process processor simulator. It answers synchronously from the
// method token and delivers signed webhooks through a worker pool.
type Sandbox struct {
	webhookURL    string
	secret        string
	callbackDelay time.Duration
	feePct        decimal.Decimal
	httpClient    *http.Client
	logger        *slog.Logger

	mu        sync.Mutex
	intents   map[string]*sandboxIntent
	byIdemKey map[string]string
	transfers map[string]string

	jobQueue   chan WebhookJob
	workerPool chan chan WebhookJob
	maxWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

// NewSandbox starts the sandbox processor and its webhook workers.
func NewSandbox(config SandboxConfig, logger *slog.Logger) *Sandbox {
	ctx, cancel := context.WithCancel(context.Background())

	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	jobQueueSize := config.JobQueueSize
	if jobQueueSize <= 0 {
		jobQueueSize = 100
	}

	s := &Sandbox{
		webhookURL:    config.WebhookURL,
		secret:        config.WebhookSecret,
		callbackDelay: config.CallbackDelay,
		feePct:        decimal.NewFromFloat(config.FeePercentage),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        logger,

		intents:   make(map[string]*sandboxIntent),
		byIdemKey: make(map[string]string),
		transfers: make(map[string]string),

		maxWorkers: maxWorkers,
		jobQueue:   make(chan WebhookJob, jobQueueSize),
		workerPool: make(chan chan WebhookJob, maxWorkers),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.startWorkerPool()

	return s
}

func (s *Sandbox) startWorkerPool() {
	s.once.Do(func() {
		for i := 0; i < s.maxWorkers; i++ {
			worker := NewWorker(i, s.workerPool, s.logger)
			worker.Start(s.ctx, &s.wg, s.deliverWebhook)
		}

		s.wg.Add(1)
		go s.dispatch()

		s.logger.Info("sandbox gateway worker pool started",
			"max_workers", s.maxWorkers,
			"queue_size", cap(s.jobQueue))
	})
}

func (s *Sandbox) dispatch() {
	defer s.wg.Done()

	for {
		select {
		case job := <-s.jobQueue:
			select {
			case jobChannel := <-s.workerPool:
				select {
				case jobChannel <- job:
				case <-s.ctx.Done():
					s.logger.Info("dispatcher shutting down")
					return
				}
			case <-s.ctx.Done():
				s.logger.Info("dispatcher shutting down")
				return
			}
		case <-s.ctx.Done():
			s.logger.Info("dispatcher shutting down")
			return
		}
	}
}

// Shutdown stops the webhook workers and waits for them to exit.
func (s *Sandbox) Shutdown() {
	s.logger.Info("shutting down sandbox gateway")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("sandbox gateway shutdown complete")
}

// Fee is the processor fee for amount, rounded up to the next minor unit.
func (s *Sandbox) Fee(amount int64) int64 {
	return decimal.NewFromInt(amount).Mul(s.feePct).Div(decimal.NewFromInt(100)).Ceil().IntPart()
}

func (s *Sandbox) enqueue(ev *Event) bool {
	select {
	case s.jobQueue <- WebhookJob{Event: ev}:
		s.logger.Debug("sandbox: webhook queued", "event_id", ev.ID, "type", ev.Type, "queue_length", len(s.jobQueue))
		return true
	default:
		s.logger.Warn("sandbox: webhook queue full, dropping event", "event_id", ev.ID, "type", ev.Type)
		return false
	}
}

func (s *Sandbox) queueFull() bool {
	return len(s.jobQueue) >= cap(s.jobQueue)
}

func newEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Sandbox) intentEvent(typ EventType, si *sandboxIntent, failure string) *Event {
	obj := EventObject{
		ID:            si.intent.ID,
		Amount:        si.amount,
		Currency:      si.currency,
		FailureReason: failure,
		Metadata:      si.metadata,
	}
	if typ == EventPaymentSucceeded {
		obj.Fee = s.Fee(si.amount)
	}
	return NewEvent(newEventID(), typ, obj, time.Now())
}

func (s *Sandbox) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if req.Amount <= 0 || req.Currency == "" {
		return nil, &GatewayError{Kind: KindInvalidRequest, Message: "amount and currency are required"}
	}

	s.mu.Lock()
	if id, ok := s.byIdemKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		existing := s.intents[id].intent
		s.mu.Unlock()
		s.logger.Info("sandbox: idempotent replay", "intent_id", existing.ID)
		return &existing, nil
	}
	s.mu.Unlock()

	switch req.MethodToken {
	case TokenDeclined:
		return nil, &GatewayError{Kind: KindCardDeclined, Code: "card_declined", Message: "Your card was declined."}
	case TokenRateLimited:
		return nil, &GatewayError{Kind: KindRateLimited, Code: "rate_limit", Message: "Too many requests."}
	case TokenNetworkError:
		return nil, &GatewayError{Kind: KindNetworkError, Message: "connection reset by peer"}
	case TokenInvalidKey:
		return nil, &GatewayError{Kind: KindAuthFailed, Code: "authentication_failure", Message: "Invalid API key."}
	}
	if s.queueFull() {
		return nil, &GatewayError{Kind: KindRateLimited, Message: "sandbox queue full, please try again later"}
	}

	id := "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	si := &sandboxIntent{
		intent: Intent{
			ID:           id,
			ClientSecret: id + "_secret_" + uuid.NewString()[:8],
		},
		amount:   req.Amount,
		currency: req.Currency,
		method:   req.Method,
		metadata: req.Metadata,
	}

	var follow *Event
	token := req.MethodToken
	switch token {
	case TokenTimeout, TokenRequiresAction, TokenAsyncSuccess, TokenAsyncFailure:
	default:
		if req.Method == "card" {
			token = TokenSuccess
		} else {
			token = TokenAsyncSuccess
		}
	}
	switch token {
	case TokenSuccess:
		si.intent.Status = IntentSucceeded
		si.intent.FeeAmount = s.Fee(req.Amount)
		follow = s.intentEvent(EventPaymentSucceeded, si, "")
	case TokenRequiresAction:
		si.intent.Status = IntentRequiresAction
		follow = s.intentEvent(EventPaymentSucceeded, si, "")
	case TokenAsyncSuccess, TokenTimeout:
		si.intent.Status = IntentProcessing
		follow = s.intentEvent(EventPaymentSucceeded, si, "")
	case TokenAsyncFailure:
		si.intent.Status = IntentProcessing
		follow = s.intentEvent(EventPaymentFailed, si, "insufficient_funds")
	}

	s.mu.Lock()
	s.intents[id] = si
	if req.IdempotencyKey != "" {
		s.byIdemKey[req.IdempotencyKey] = id
	}
	s.mu.Unlock()

	s.logger.Info("sandbox: payment intent created",
		"intent_id", id,
		"status", si.intent.Status,
		"amount", req.Amount,
		"currency", req.Currency)

	s.enqueue(follow)

	if token == TokenTimeout {
		<-ctx.Done()
		return nil, timeoutError(ctx.Err())
	}

	out := si.intent
	return &out, nil
}

func (s *Sandbox) Capture(ctx context.Context, intentID string, amount *int64) (IntentStatus, error) {
	s.mu.Lock()
	si, ok := s.intents[intentID]
	if !ok {
		s.mu.Unlock()
		return "", &GatewayError{Kind: KindInvalidRequest, Code: "resource_missing", Message: "no such payment intent"}
	}
	if si.intent.Status != IntentProcessing && si.intent.Status != IntentRequiresConfirmation {
		status := si.intent.Status
		s.mu.Unlock()
		return "", &GatewayError{Kind: KindInvalidRequest, Message: fmt.Sprintf("intent is %s and cannot be captured", status)}
	}
	if amount != nil {
		if *amount <= 0 || *amount > si.amount {
			s.mu.Unlock()
			return "", &GatewayError{Kind: KindInvalidRequest, Message: "capture amount exceeds authorized amount"}
		}
		si.amount = *amount
	}
	ev := s.intentEvent(EventPaymentSucceeded, si, "")
	s.mu.Unlock()

	s.enqueue(ev)
	return IntentProcessing, nil
}

func (s *Sandbox) Refund(ctx context.Context, intentID string, amount *int64, reason string) (*Refund, error) {
	s.mu.Lock()
	si, ok := s.intents[intentID]
	if !ok {
		s.mu.Unlock()
		return nil, &GatewayError{Kind: KindInvalidRequest, Code: "resource_missing", Message: "no such payment intent"}
	}
	remaining := si.amount - si.refunded
	refundAmount := remaining
	if amount != nil {
		refundAmount = *amount
	}
	if refundAmount <= 0 || refundAmount > remaining {
		s.mu.Unlock()
		return nil, &GatewayError{Kind: KindInvalidRequest, Code: "amount_too_large", Message: "refund exceeds remaining amount"}
	}
	si.refunded += refundAmount
	refundID := fmt.Sprintf("re_%s", strings.ReplaceAll(uuid.NewString(), "-", ""))

	status := RefundSucceeded
	if si.method == "bank_transfer" {
		status = RefundPending
	}
	ev := NewEvent(newEventID(), EventChargeRefunded, EventObject{
		ID:             refundID,
		PaymentIntent:  si.intent.ID,
		Amount:         refundAmount,
		Currency:       si.currency,
		AmountRefunded: si.refunded,
		Status:         string(RefundSucceeded),
		Metadata:       si.metadata,
	}, time.Now())
	s.mu.Unlock()

	s.logger.Info("sandbox: refund created", "intent_id", intentID, "refund_id", refundID, "amount", refundAmount, "status", status, "reason", reason)
	s.enqueue(ev)
	return &Refund{ID: refundID, Status: status}, nil
}

func (s *Sandbox) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if req.Amount <= 0 || req.Destination == "" {
		return nil, &GatewayError{Kind: KindInvalidRequest, Message: "destination and a positive amount are required"}
	}

	s.mu.Lock()
	if id, ok := s.transfers[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		s.mu.Unlock()
		return &Transfer{ID: id, Status: TransferPending}, nil
	}
	id := "trsf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if req.IdempotencyKey != "" {
		s.transfers[req.IdempotencyKey] = id
	}
	s.mu.Unlock()

	typ, failure := EventTransferPaid, ""
	if strings.HasPrefix(req.Destination, FailingDestination) {
		typ, failure = EventTransferFailed, "account_closed"
	}
	s.enqueue(NewEvent(newEventID(), typ, EventObject{
		ID:            id,
		Amount:        req.Amount,
		Currency:      req.Currency,
		FailureReason: failure,
		Metadata:      req.Metadata,
	}, time.Now()))

	s.logger.Info("sandbox: transfer created", "transfer_id", id, "amount", req.Amount, "destination", req.Destination)
	return &Transfer{ID: id, Status: TransferPending}, nil
}

func (s *Sandbox) VerifyWebhook(_ context.Context, payload []byte, signature string) (*Event, error) {
	if err := VerifySignature(s.secret, payload, signature, time.Now(), DefaultSignatureTolerance); err != nil {
		return nil, err
	}
	return ParseEvent(payload)
}

func (s *Sandbox) deliverWebhook(job WebhookJob) {
	if s.callbackDelay > 0 {
		select {
		case <-time.After(s.callbackDelay):
		case <-s.ctx.Done():
			s.logger.Info("webhook delivery cancelled", "event_id", job.Event.ID)
			return
		}
	}

	if s.webhookURL == "" {
		s.logger.Debug("sandbox: no webhook url configured, skipping delivery", "event_id", job.Event.ID)
		return
	}

	body, err := json.Marshal(job.Event)
	if err != nil {
		s.logger.Error("sandbox: failed to marshal webhook", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("sandbox: failed to create webhook request", "error", err, "event_id", job.Event.ID)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, SignPayload(s.secret, body, time.Now()))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("sandbox: webhook delivery failed", "error", err, "event_id", job.Event.ID)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		s.logger.Info("sandbox: webhook delivered", "event_id", job.Event.ID, "type", job.Event.Type)
	} else {
		s.logger.Warn("sandbox: webhook rejected", "event_id", job.Event.ID, "status_code", resp.StatusCode)
	}
}
