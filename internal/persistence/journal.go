package persistence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tathienbao/exec-bot/internal/types"
)

// Journal records run events into the repository. Its Record method has
// the run callback signature, so it can be chained onto any TWAP or grid
// run. Persistence failures are logged, never surfaced to the run.
type Journal struct {
	repo    Repository
	logger  *slog.Logger
	timeout time.Duration
}

// NewJournal creates a journal writing through repo.
func NewJournal(repo Repository, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		repo:    repo,
		logger:  logger.With("module", "journal"),
		timeout: 5 * time.Second,
	}
}

// Record implements types.Callback.
func (j *Journal) Record(runID string, kind types.EventKind, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		j.logger.Error("failed to encode event payload",
			"run_id", runID, "kind", string(kind), "err", err)
		data = []byte("{}")
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.repo.SaveEvent(ctx, EventRecord{
		RunID:   runID,
		Kind:    string(kind),
		Payload: string(data),
	}); err != nil {
		j.logger.Error("failed to persist event",
			"run_id", runID, "kind", string(kind), "err", err)
	}
}
