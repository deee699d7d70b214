package services

import (
	"context"
	"sync"

	"mailwatch/internal/config"
	"mailwatch/internal/utils"
)

// ReconcileRequest asks for an account to be reconciled up to Cursor
// (0 = current mailbox head).
type ReconcileRequest struct {
	AccountID uint
	Cursor    uint64
}

// WorkerPool decouples notification receipt from provider calls: the
// receive path enqueues, workers reconcile.
type WorkerPool struct {
	reconciler *Reconciler
	cfg        config.SyncConfig
	logger     *utils.Logger

	requests chan ReconcileRequest
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWorkerPool creates a new WorkerPool
func NewWorkerPool(reconciler *Reconciler, cfg config.SyncConfig) *WorkerPool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	cfg.Workers = workers
	cfg.QueueDepth = depth

	return &WorkerPool{
		reconciler: reconciler,
		cfg:        cfg,
		logger:     utils.NewLogger("WorkerPool"),
		requests:   make(chan ReconcileRequest, depth),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker goroutines
func (p *WorkerPool) Start() error {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("Started %d reconciliation worker(s), queue depth %d",
		p.cfg.Workers, p.cfg.QueueDepth)
	return nil
}

// Stop drains no further work and waits for in-flight runs to finish
func (p *WorkerPool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("Reconciliation workers stopped")
}

// Enqueue submits a request without blocking. Returns false when the
// queue is full; the dropped trigger is recovered by the next
// notification or sweep for the account.
func (p *WorkerPool) Enqueue(req ReconcileRequest) bool {
	select {
	case p.requests <- req:
		return true
	default:
		metricNotifications.WithLabelValues("queue_full").Inc()
		p.logger.Warn("Reconciliation queue full, dropping trigger for account %d", req.AccountID)
		return false
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case req := <-p.requests:
			ctx, cancel := context.WithTimeout(context.Background(), 2*p.cfg.ProviderTimeout)
			_, err := p.reconciler.Reconcile(ctx, req.AccountID, req.Cursor)
			cancel()
			if err != nil {
				p.logger.Warn("Worker %d: reconciliation for account %d failed: %v",
					id, req.AccountID, err)
			}
		}
	}
}
