// internal/worker/dry_run.go
package worker

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/fawad-mazhar/regsync/internal/models"
)

// DryRunHandlers returns handlers that only describe the work a task asks
// for. They let the pipeline run end to end before real sync executors are
// registered.
func DryRunHandlers() map[models.TaskType]Handler {
	return map[models.TaskType]Handler{
		models.TaskTypeSyncPackage:   HandlerFunc(dryRunSyncPackage),
		models.TaskTypeChangesStream: HandlerFunc(dryRunChangesStream),
		models.TaskTypeSyncBinary:    HandlerFunc(dryRunSyncBinary),
	}
}

// RegisterAll registers every handler of handlers
func RegisterAll(r *Registry, handlers map[models.TaskType]Handler) error {
	for taskType, handler := range handlers {
		if err := r.Register(taskType, handler); err != nil {
			return err
		}
	}
	return nil
}

func dryRunSyncPackage(ctx context.Context, task *models.Task, log io.Writer) error {
	payload := task.Data.(*models.SyncPackagePayload)

	fmt.Fprintf(log, "[dry-run] sync package %s, attempt %d, worker %s\n", task.TargetName, task.Attempts, payload.TaskWorker)
	if payload.Tips != nil {
		fmt.Fprintf(log, "[dry-run] tips: %s\n", *payload.Tips)
	}
	flags := []struct {
		name  string
		value *bool
	}{
		{"skipDependencies", payload.SkipDependencies},
		{"syncDownloadData", payload.SyncDownloadData},
		{"forceSyncHistory", payload.ForceSyncHistory},
	}
	for _, flag := range flags {
		if flag.value != nil {
			fmt.Fprintf(log, "[dry-run] %s=%t\n", flag.name, *flag.value)
		}
	}
	return ctx.Err()
}

func dryRunChangesStream(ctx context.Context, task *models.Task, log io.Writer) error {
	payload := task.Data.(*models.ChangesStreamPayload)
	fmt.Fprintf(log, "[dry-run] tail changes of %s since %q, worker %s\n", task.TargetName, payload.Since, payload.TaskWorker)
	return ctx.Err()
}

func dryRunSyncBinary(ctx context.Context, task *models.Task, log io.Writer) error {
	payload := task.Data.(*models.SyncBinaryPayload)
	fmt.Fprintf(log, "[dry-run] sync binary %s, attempt %d, worker %s\n", task.TargetName, task.Attempts, payload.TaskWorker)

	keys := make([]string, 0, len(payload.LastData))
	for k := range payload.LastData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(log, "[dry-run] last %s=%v\n", k, payload.LastData[k])
	}
	return ctx.Err()
}
