// seed-permissions grants workflow actions to a user. Approvals are denied by
// default; run this after provisioning a new approver.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//     go run ./cmd/seed-permissions -user 1 -actions pr:approve,po:approve
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/procure_backend/config"
	"bitbucket.org/mmdatafocus/procure_backend/models"
)

func main() {
	userId := flag.Int("user", 0, "user id to grant actions to")
	actions := flag.String("actions", "pr:approve,po:approve", "comma-separated workflow actions")
	flag.Parse()

	if *userId <= 0 {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	for _, action := range strings.Split(*actions, ",") {
		action = strings.TrimSpace(action)
		if action == "" {
			continue
		}
		has, err := models.UserHasPermission(db, ctx, *userId, action)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to check %s: %v\n", action, err)
			os.Exit(1)
		}
		if has {
			fmt.Printf("user %d already has %s\n", *userId, action)
			continue
		}
		grant := models.UserPermission{UserId: *userId, Action: action}
		if err := db.WithContext(ctx).Create(&grant).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to grant %s: %v\n", action, err)
			os.Exit(1)
		}
		fmt.Printf("granted %s to user %d\n", action, *userId)
	}
}
