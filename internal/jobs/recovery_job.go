package job

import (
	"context"
	"log/slog"

	"github.com/postpilot/api/internal/service"
)

// RecoveryJob re-arms timers for pending deferred posts. The registry is
// process-local, so every boot (and periodically after, in case a
// schedule slipped through during a partial failure) the post store is
// the source of truth for what should still be armed.
type RecoveryJob struct {
	ps service.PostService
}

func NewRecoveryJob(ps service.PostService) *RecoveryJob {
	return &RecoveryJob{ps: ps}
}

func (j *RecoveryJob) RecoverPending() {
	ctx := context.Background()

	rearmed, err := j.ps.RecoverPending(ctx)
	if err != nil {
		slog.Error("recovery sweep failed", slog.String("error", err.Error()))
		return
	}
	if rearmed > 0 {
		slog.Info("recovery sweep rearmed scheduled posts", slog.Int("count", rearmed))
	}
}
