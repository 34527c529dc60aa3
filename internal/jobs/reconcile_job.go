// internal/jobs/reconcile_job.go
package jobs

import (
	"context"

	"github.com/javajoker/pharma-custody-backend/internal/services"
)

type reconciler interface {
	Reconcile(ctx context.Context) (*services.ReconcileReport, error)
}

// ReconcileJob settles transfers left in pending_confirmation.
type ReconcileJob struct {
	reconciler reconciler
}

func NewReconcileJob(r *services.ReconciliationService) *ReconcileJob {
	return &ReconcileJob{reconciler: r}
}

func (j *ReconcileJob) Name() string { return "reconcile_pending_transfers" }

func (j *ReconcileJob) Run(ctx context.Context) error {
	_, err := j.reconciler.Reconcile(ctx)
	return err
}
