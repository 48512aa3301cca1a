package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/settlement"
)

// Settler runs one settlement cycle
type Settler interface {
	RunCycle(ctx context.Context) (*settlement.CycleReport, error)
}

// SettlementWorker runs settlement cycles on a fixed interval, one at a time
type SettlementWorker struct {
	settler    Settler
	interval   time.Duration
	maxBackoff time.Duration
	running    bool
	paused     bool
	delay      time.Duration
	lastCycle  time.Time
	lastReport *settlement.CycleReport
	lastErr    error
	cyclesRun  int64
	mu         sync.RWMutex
	stopCh     chan struct{}
	stopOnce   *sync.Once
	doneCh     chan struct{}
}

// SettlementWorkerConfig holds configuration for a settlement worker
type SettlementWorkerConfig struct {
	Settler  Settler
	Interval time.Duration
	// MaxPauseBackoff caps the retry delay while the executor is unauthorized
	MaxPauseBackoff time.Duration
}

// SettlementWorkerStatus is a snapshot of the worker for health output
type SettlementWorkerStatus struct {
	Running    bool                    `json:"running"`
	Paused     bool                    `json:"paused"`
	CyclesRun  int64                   `json:"cyclesRun"`
	LastCycle  time.Time               `json:"lastCycle"`
	NextDelay  time.Duration           `json:"nextDelay"`
	LastError  string                  `json:"lastError,omitempty"`
	LastReport *settlement.CycleReport `json:"lastReport,omitempty"`
}

// NewSettlementWorker creates a new settlement worker
func NewSettlementWorker(cfg *SettlementWorkerConfig) (*SettlementWorker, error) {
	if cfg.Settler == nil {
		return nil, fmt.Errorf("settler cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	maxBackoff := cfg.MaxPauseBackoff
	if maxBackoff < interval {
		maxBackoff = 10 * interval
	}

	return &SettlementWorker{
		settler:    cfg.Settler,
		interval:   interval,
		maxBackoff: maxBackoff,
		delay:      interval,
		stopCh:     make(chan struct{}),
		stopOnce:   &sync.Once{},
		doneCh:     make(chan struct{}),
	}, nil
}

// Start runs the first cycle immediately and then keeps cycling until Stop
// or ctx cancellation
func (w *SettlementWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("settlement worker is already running")
	}
	w.running = true
	// A worker stopped earlier gets fresh channels
	select {
	case <-w.doneCh:
		w.stopCh = make(chan struct{})
		w.stopOnce = &sync.Once{}
		w.doneCh = make(chan struct{})
	default:
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	logging.FromContext(ctx).WithField("interval", w.interval.String()).Info("Starting settlement worker")

	go w.loop(ctx, stopCh, doneCh)
	return nil
}

// Stop signals the loop and waits for the current cycle to finish. It may
// be called again after a timeout to keep waiting.
func (w *SettlementWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("settlement worker is not running")
	}
	stopCh, stopOnce, doneCh := w.stopCh, w.stopOnce, w.doneCh
	w.mu.Unlock()

	logger := logging.FromContext(ctx)
	logger.Info("Stopping settlement worker")
	stopOnce.Do(func() { close(stopCh) })

	select {
	case <-doneCh:
		logger.Info("Settlement worker stopped gracefully")
	case <-ctx.Done():
		logger.Warn("Settlement worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

// Done is closed when the loop exits
func (w *SettlementWorker) Done() <-chan struct{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.doneCh
}

func (w *SettlementWorker) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
			timer.Reset(w.RunOnce(ctx))
		}
	}
}

// RunOnce runs a single cycle and returns the delay before the next one.
// While the executor is unauthorized the delay doubles up to the cap.
func (w *SettlementWorker) RunOnce(ctx context.Context) time.Duration {
	logger := logging.FromContext(ctx).WithField("component", "settlement_worker")

	report, err := w.settler.RunCycle(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.cyclesRun++
	w.lastCycle = time.Now()
	w.lastReport = report
	w.lastErr = err

	unauthorized := errors.Is(err, settlement.ErrExecutorNotAuthorized)
	switch {
	case unauthorized && !w.paused:
		w.paused = true
		w.delay = w.interval
		logger.WithError(err).Error("Executor is not authorized on the tip contract, settlement paused until the owner adds it")
	case unauthorized:
		w.delay *= 2
		if w.delay > w.maxBackoff {
			w.delay = w.maxBackoff
		}
		logger.WithField("next_attempt", w.delay.String()).Debug("Settlement still paused")
	case w.paused:
		w.paused = false
		w.delay = w.interval
		logger.Info("Executor authorized, settlement resumed")
	default:
		w.delay = w.interval
	}

	if err != nil && !unauthorized {
		logger.WithError(err).Warn("Settlement cycle finished with errors")
	} else if report != nil {
		for _, t := range report.Tokens {
			if t.Outcome != settlement.OutcomeIdle {
				logger.WithFields(map[string]interface{}{
					"token":   t.Token,
					"outcome": t.Outcome,
					"entries": t.Entries,
					"tx_hash": t.TxHash,
				}).Info("Settlement cycle result")
			}
		}
	}

	return w.delay
}

// GetStatus returns the current worker status
func (w *SettlementWorker) GetStatus() *SettlementWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := &SettlementWorkerStatus{
		Running:    w.running,
		Paused:     w.paused,
		CyclesRun:  w.cyclesRun,
		LastCycle:  w.lastCycle,
		NextDelay:  w.delay,
		LastReport: w.lastReport,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}
