package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/spiretel/mutt/pkg/store"
	"github.com/spiretel/mutt/pkg/store/migrations"
)

var (
	databaseURL      = flag.String("database-url", os.Getenv("MUTT_DATABASE_URL"), "PostgreSQL connection string")
	ensurePartitions = flag.Bool("ensure-partitions", false, "Create upcoming audit partitions and exit")
	pruneAudit       = flag.Bool("prune-audit", false, "Drop audit partitions past retention and exit")
	timeout          = flag.Duration("timeout", 5*time.Minute, "Overall deadline")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: mutt-migrate [flags] [up|down|status|version]\n\n")
	fmt.Fprintf(os.Stderr, "Applies the MUTT schema migrations (default: up).\n\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("MUTT Database Migration Tool")
	log.Println("============================")

	if *databaseURL == "" {
		log.Fatalf("No database configured: set --database-url or MUTT_DATABASE_URL")
	}

	db, err := sqlx.Connect("pgx", *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *ensurePartitions || *pruneAudit {
		runMaintenance(ctx, db)
		return
	}

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	switch command {
	case "up":
		if err := migrations.Up(ctx, db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("✓ Migrations applied")
	case "down":
		if err := migrations.Down(ctx, db); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("✓ Rolled back one migration")
	case "status":
		if err := migrations.Status(ctx, db); err != nil {
			log.Fatalf("Status failed: %v", err)
		}
	case "version":
		version, err := migrations.Version(ctx, db)
		if err != nil {
			log.Fatalf("Version lookup failed: %v", err)
		}
		log.Printf("Schema version: %d", version)
	default:
		log.Fatalf("Unknown command %q (want up, down, status, or version)", command)
	}
}

// runMaintenance handles the partition housekeeping normally driven by
// the admin service, for deployments that prefer a cron job.
func runMaintenance(ctx context.Context, db *sqlx.DB) {
	s := store.NewWithDB(db)

	if *ensurePartitions {
		if err := s.EnsureAuditPartitions(ctx); err != nil {
			log.Fatalf("Failed to ensure audit partitions: %v", err)
		}
		log.Println("✓ Audit partitions ensured")
	}

	if *pruneAudit {
		pruned, err := s.PruneExpiredAudit(ctx)
		if err != nil {
			log.Fatalf("Failed to prune audit partitions: %v", err)
		}
		log.Printf("✓ Dropped %d expired audit partitions", pruned)
	}
}
