package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"lendbackup/internal/app"
	"lendbackup/internal/backup"
	"lendbackup/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// run dispatches a single subcommand. Output meant for the operator goes to
// out; logs go to stderr.
func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return nil
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "backup":
		return runBackup(ctx, rest, out)
	case "automatic":
		return withApp(ctx, func(a *app.App) error {
			art, err := a.Service.CreateAutomatic(ctx)
			if err != nil {
				return err
			}
			printArtifact(out, art)
			return nil
		})
	case "list":
		return withApp(ctx, func(a *app.App) error { return runList(ctx, a, out) })
	case "url":
		return runURL(ctx, rest, out)
	case "delete":
		return runDelete(ctx, rest, out)
	case "restore":
		return runRestore(ctx, rest, out)
	case "sweep":
		return withApp(ctx, func(a *app.App) error {
			n, err := a.Service.SweepExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Deleted %d expired backup(s)\n", n)
			return nil
		})
	case "preflight":
		return withApp(ctx, func(a *app.App) error {
			if err := a.Service.Preflight(); err != nil {
				return fmt.Errorf("preflight check failed: %w", err)
			}
			fmt.Fprintln(out, "Preflight OK")
			return nil
		})
	case "help", "--help", "-h":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `Usage: lendbackup <command> [flags]

Commands:
  backup                  Create a full backup (database and referenced objects)
  automatic               Create a full backup on behalf of the scheduler
  list                    List backups, newest first
  url                     Print a one-hour download link for a backup
  delete                  Delete a backup
  restore                 Restore a backup into the database and object store
  sweep                   Delete backups older than retentionDays
  preflight               Check that pg_dump and psql are available
  help                    Show this help message

Backup flags:
  --db-only               Dump the database only
  --by <user>             Actor recorded in the audit log (default "cli")

URL / delete flags:
  --id <id>               Backup id [required]
  --by <user>             Actor recorded in the audit log (delete only)

Restore flags:
  --id <id>               Backup id to restore
  --latest                Restore the most recent backup
  --by <user>             Actor recorded in the audit log

Environment:
  LENDBACKUP_CONFIG       Path to config file (default: /config/config.yml)
  DATABASE_URL            Overrides database.url

Examples:
  lendbackup backup --by alice
  lendbackup backup --db-only
  lendbackup list
  lendbackup restore --latest --by alice
  lendbackup delete --id backup_20260206T120000.000Z --by alice
`)
}

// withApp loads the configuration, builds the service and hands it to fn.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := config.Parse(config.Path())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// parseFlags parses args into fs. -h prints the flag usage and is not an error.
func parseFlags(fs *flag.FlagSet, args []string, out io.Writer) (bool, error) {
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	if fs.NArg() > 0 {
		return false, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return true, nil
}

func runBackup(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	dbOnly := fs.Bool("db-only", false, "Dump the database only")
	by := fs.String("by", "cli", "Actor recorded in the audit log")
	if ok, err := parseFlags(fs, args, out); !ok {
		return err
	}

	return withApp(ctx, func(a *app.App) error {
		var (
			art *backup.Artifact
			err error
		)
		if *dbOnly {
			art, err = a.Service.CreateDatabaseOnly(ctx, *by)
		} else {
			art, err = a.Service.CreateFull(ctx, *by)
		}
		if err != nil {
			return err
		}
		printArtifact(out, art)
		return nil
	})
}

func runList(ctx context.Context, a *app.App, out io.Writer) error {
	artifacts, err := a.Service.List(ctx)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		fmt.Fprintln(out, "No backups found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tKIND\tSIZE\tCREATED\tCREATED BY\tAUTOMATIC\n")
	for _, art := range artifacts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			art.ID, art.Kind, formatSize(art.Size), art.CreatedAt.Format(time.RFC3339), art.CreatedBy, art.Automatic)
	}
	return w.Flush()
}

func runURL(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("url", flag.ContinueOnError)
	id := fs.String("id", "", "Backup id")
	if ok, err := parseFlags(fs, args, out); !ok {
		return err
	}
	if *id == "" {
		return errors.New("--id is required")
	}

	return withApp(ctx, func(a *app.App) error {
		url, err := a.Service.GetDownloadURL(ctx, *id)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, url)
		return nil
	})
}

func runDelete(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	id := fs.String("id", "", "Backup id")
	by := fs.String("by", "cli", "Actor recorded in the audit log")
	if ok, err := parseFlags(fs, args, out); !ok {
		return err
	}
	if *id == "" {
		return errors.New("--id is required")
	}

	return withApp(ctx, func(a *app.App) error {
		if err := a.Service.Delete(ctx, *id, *by); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %s\n", *id)
		return nil
	})
}

func runRestore(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	id := fs.String("id", "", "Backup id to restore")
	latest := fs.Bool("latest", false, "Restore the most recent backup")
	by := fs.String("by", "cli", "Actor recorded in the audit log")
	if ok, err := parseFlags(fs, args, out); !ok {
		return err
	}
	if (*id == "") == !*latest {
		return errors.New("exactly one of --id <id> or --latest is required")
	}

	return withApp(ctx, func(a *app.App) error {
		target := *id
		if *latest {
			artifacts, err := a.Service.List(ctx)
			if err != nil {
				return err
			}
			if len(artifacts) == 0 {
				return errors.New("no backups found")
			}
			target = artifacts[0].ID
			fmt.Fprintf(out, "Selected latest backup: %s (created %s)\n", target, artifacts[0].CreatedAt.Format(time.RFC3339))
		}

		res, err := a.Service.Restore(ctx, target, *by)
		if res != nil {
			fmt.Fprintf(out, "Stage: %s\nObjects restored: %d\n", res.Stage, len(res.Restored))
		}
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Fprintf(out, "Restore complete for %s\n", target)
		return nil
	})
}

func printArtifact(out io.Writer, art *backup.Artifact) {
	fmt.Fprintf(out, "Created %s (%s, %s)\n", art.ID, art.Kind, formatSize(art.Size))
}

// formatSize returns a human-readable size string.
func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
