// saga-orphans lists workflow steps stuck in PendingExternal, i.e. operations
// that called the budget ledger but never finished locally (crash or kill
// between the external call and the commit). Ops reconciles each listed step
// against the ledger before releasing the hold by hand.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//     go run ./cmd/saga-orphans -older-than 30m
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/config"
	"bitbucket.org/mmdatafocus/procure_backend/models"
)

func main() {
	olderThan := flag.Duration("older-than", 30*time.Minute, "only list steps idle for at least this long")
	limit := flag.Int("limit", 200, "maximum steps to list")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	steps, err := models.ListOrphanedSteps(db, ctx, time.Now().UTC().Add(-*olderThan), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list orphaned steps: %v\n", err)
		os.Exit(1)
	}
	if len(steps) == 0 {
		fmt.Println("no orphaned steps")
		return
	}

	for _, step := range steps {
		lastErr := ""
		if step.LastError != nil {
			lastErr = *step.LastError
		}
		fmt.Printf("id=%d operation=%s entity=%s/%d external_ref=%q correlation_id=%s updated_at=%s last_error=%q\n",
			step.ID, step.Operation, step.EntityType, step.EntityId, step.ExternalRef,
			step.CorrelationId, step.UpdatedAt.Format(time.RFC3339), lastErr)
	}
}
