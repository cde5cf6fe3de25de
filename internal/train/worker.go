// Package train runs retraining in the background: it claims retrain jobs
// from the queue, fits a fresh artifact from the corpus on disk, persists
// it, and swaps it into the live pipeline. Requests in flight keep the
// artifact they started with.
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arnberg/confide/internal/corpus"
	"github.com/arnberg/confide/internal/model"
	"github.com/arnberg/confide/internal/pipeline"
	"github.com/arnberg/confide/internal/storage"
)

// JobType is the queue type this worker claims.
const JobType = "retrain"

// StateActiveModel is the service_state key recording the serving artifact.
const StateActiveModel = "active_model"

// JobStore abstracts the queue and state operations the worker needs.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	SetState(key, value string) error
}

// Worker processes retrain jobs from the SQLite job queue.
type Worker struct {
	store      JobStore
	holder     *pipeline.Holder
	corpusPath string
	modelPath  string
	settings   pipeline.Settings
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 2s.
func NewWorker(store JobStore, holder *pipeline.Holder, corpusPath, modelPath string, settings pipeline.Settings, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		store:      store,
		holder:     holder,
		corpusPath: corpusPath,
		modelPath:  modelPath,
		settings:   settings,
		poll:       pollInterval,
		logger:     slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single retrain job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("retrain failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type retrainPayload struct {
	Reason string `json:"reason"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload retrainPayload
	if job.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
	}
	w.logger.Info("retraining", "job_id", job.ID, "reason", payload.Reason, "corpus", w.corpusPath)

	c, err := corpus.LoadFile(w.corpusPath)
	if err != nil {
		return fmt.Errorf("loading corpus: %w", err)
	}

	art, err := pipeline.Train(ctx, c, w.settings)
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}

	if err := model.Save(w.modelPath, art); err != nil {
		return fmt.Errorf("saving artifact: %w", err)
	}

	p, err := pipeline.New(art)
	if err != nil {
		return err
	}
	w.holder.Swap(p)

	// The new model is already live; the state row is advisory.
	if err := w.store.SetState(StateActiveModel, art.Meta.ID); err != nil {
		w.logger.Warn("recording active model failed", "error", err)
	}

	w.logger.Info("model swapped",
		"model_id", art.Meta.ID,
		"intents", art.Meta.Intents,
		"variants", art.Meta.Variants,
		"examples", art.Meta.Examples,
	)
	return nil
}
