package processors

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/abjerry97/go_hostel/api"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

type JobQueue interface {
	EnqueueReconcile(ctx context.Context, job *api.ReconcileJob) error
	DequeueReconcile(ctx context.Context, timeout time.Duration) (*api.ReconcileJob, error)
}

type PendingSource interface {
	GetPayment(ctx context.Context, id string) (*api.Payment, error)
	ListStalePending(ctx context.Context, olderThan time.Duration) ([]api.Payment, error)
}

type Awaiter interface {
	Await(ctx context.Context, payment *api.Payment) (*Outcome, error)
}

// PaymentProcessor runs the await half of each attempt on a pool of workers
// fed from the reconcile queue.
type PaymentProcessor struct {
	engine      Awaiter
	queue       JobQueue
	payments    PendingSource
	WorkerCount int
	StaleAfter  time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
}

func NewPaymentProcessor(engine Awaiter, queue JobQueue, payments PendingSource, workerCount int, staleAfter time.Duration) *PaymentProcessor {
	return &PaymentProcessor{
		engine:      engine,
		queue:       queue,
		payments:    payments,
		WorkerCount: workerCount,
		StaleAfter:  staleAfter,
		stopChan:    make(chan struct{}),
		inflight:    make(map[string]context.CancelCauseFunc),
	}
}

// Enqueue schedules polling for a freshly initiated payment.
func (p *PaymentProcessor) Enqueue(ctx context.Context, payment *api.Payment) error {
	job := &api.ReconcileJob{
		PaymentID:       payment.ID,
		StudentID:       payment.StudentID,
		ReferenceNumber: payment.ReferenceNumber,
		EnqueuedAt:      time.Now(),
	}
	if payment.CheckoutRequestID != nil {
		job.CheckoutRequestID = *payment.CheckoutRequestID
	}
	return p.queue.EnqueueReconcile(ctx, job)
}

func (p *PaymentProcessor) Start(ctx context.Context) {
	if n, err := p.Recover(ctx); err != nil {
		log.WithError(err).Warn("Recovery sweep failed")
	} else if n > 0 {
		log.Infof("Re-enqueued %d stale pending payments", n)
	}

	log.Printf("Starting %d payment processors", p.WorkerCount)

	for i := 0; i < p.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop cancels in-flight polls with ErrShutdown, leaving their rows pending
// for the next recovery sweep, and waits for the workers to exit.
func (p *PaymentProcessor) Stop() {
	log.Println("Stopping payment processors...")
	close(p.stopChan)

	p.mu.Lock()
	for _, cancel := range p.inflight {
		cancel(ErrShutdown)
	}
	p.mu.Unlock()

	p.wg.Wait()
	log.Println("All processors stopped")
}

// Cancel abandons the in-flight poll for paymentID on this instance.
func (p *PaymentProcessor) Cancel(paymentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cancel, ok := p.inflight[paymentID]
	if ok {
		cancel(ErrPaymentAbandoned)
	}
	return ok
}

// Recover re-enqueues pending payments that have outlived the poll ceiling.
func (p *PaymentProcessor) Recover(ctx context.Context) (int, error) {
	stale, err := p.payments.ListStalePending(ctx, p.StaleAfter)
	if err != nil {
		return 0, err
	}

	for i := range stale {
		if err := p.Enqueue(ctx, &stale[i]); err != nil {
			return i, err
		}
	}
	return len(stale), nil
}

func (p *PaymentProcessor) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	log.Printf("Worker %d started", workerID)

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		default:
			if err := p.processNextJob(ctx); err != nil {
				if err != redis.Nil {
					log.Printf("Worker %d error: %v", workerID, err)
				}
				time.Sleep(10 * time.Millisecond)
			}
		}
	}
}

func (p *PaymentProcessor) processNextJob(ctx context.Context) error {
	job, err := p.queue.DequeueReconcile(ctx, 1*time.Second)
	if err != nil {
		return err
	}

	if job == nil {
		return nil
	}

	return p.processJob(ctx, job)
}

func (p *PaymentProcessor) processJob(ctx context.Context, job *api.ReconcileJob) error {
	payment, err := p.payments.GetPayment(ctx, job.PaymentID)
	if err != nil {
		return err
	}

	if payment.Status.IsTerminal() {
		log.Printf("Payment already %s: %s", payment.Status, payment.ReferenceNumber)
		return nil
	}

	pctx, cancel := context.WithCancelCause(ctx)
	if !p.track(payment.ID, cancel) {
		cancel(ErrShutdown)
		return nil
	}
	defer p.untrack(payment.ID)

	outcome, err := p.engine.Await(pctx, payment)
	if errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled) {
		return nil
	}
	if outcome == nil {
		return err
	}

	log.WithFields(log.Fields{
		"payment_id": payment.ID,
		"status":     outcome.Payment.Status,
		"queued_for": time.Since(job.EnqueuedAt).Round(time.Second),
	}).Info(outcome.Message)
	return nil
}

func (p *PaymentProcessor) track(paymentID string, cancel context.CancelCauseFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.stopChan:
		return false
	default:
	}
	if _, dup := p.inflight[paymentID]; dup {
		return false
	}
	p.inflight[paymentID] = cancel
	return true
}

func (p *PaymentProcessor) untrack(paymentID string) {
	p.mu.Lock()
	cancel := p.inflight[paymentID]
	delete(p.inflight, paymentID)
	p.mu.Unlock()

	if cancel != nil {
		cancel(nil)
	}
}
