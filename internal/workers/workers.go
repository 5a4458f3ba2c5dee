package workers

import (
	"context"
	"log"
	"sync"
	"time"

	"deenChallengeAPI/middleware"
	"deenChallengeAPI/services"
)

// ReconcileWorker runs the missed-day reconciler on a ticker. The contract
// only needs one run per logical day; running more often is harmless because
// each batch is idempotent.
type ReconcileWorker struct {
	reconciler *services.ReconcilerService
	interval   time.Duration
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// StartReconcileWorker kicks off the periodic batch. The first run happens
// shortly after boot to catch up after downtime.
func StartReconcileWorker(reconciler *services.ReconcilerService, interval time.Duration) *ReconcileWorker {
	w := &ReconcileWorker{
		reconciler: reconciler,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()

	log.Printf("Reconcile worker started, interval %s", interval)
	return w
}

func (w *ReconcileWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Catch-up run after boot, once the pool has settled.
	boot := time.NewTimer(30 * time.Second)
	defer boot.Stop()

	for {
		select {
		case <-boot.C:
			w.runOnce()
		case <-ticker.C:
			w.runOnce()
		case <-w.stopChan:
			return
		}
	}
}

func (w *ReconcileWorker) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := w.reconciler.ReconcileAll(ctx)
	if err != nil {
		log.Printf("Reconcile worker: batch failed: %v", err)
		return
	}

	middleware.ObserveReconcileRun(report.MissedMarked, report.ErrorCount())
}

// Stop waits for an in-flight batch to finish.
func (w *ReconcileWorker) Stop() {
	close(w.stopChan)
	w.wg.Wait()
	log.Println("Reconcile worker stopped")
}
