// submodule cmd contains command definitions
package main

import (
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tracksync/internal/catalog"
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Value:   defaultConfigPath,
	}
}

// runFlags are shared by the commands that start the engine.
func runFlags() []cli.Flag {
	return []cli.Flag{
		configFlag(),
		&cli.IntFlag{
			Name:    "workers",
			Aliases: []string{"w"},
			Usage:   "Number of items processed in parallel (overrides sync.workers)",
		},
		&cli.BoolFlag{
			Name:  "sequential",
			Usage: "Process one item at a time",
		},
		&cli.IntFlag{
			Name:  "page-size",
			Usage: "Catalog query page size (overrides sync.page_size)",
		},
		&cli.StringFlag{
			Name:    "filter",
			Aliases: []string{"f"},
			Usage:   "Candidate filter: unprocessed, all or missing-secondary-artifact",
			Value:   string(catalog.FilterUnprocessed),
		},
		&cli.StringFlag{
			Name:  "format",
			Usage: "Summary format: text, json or table",
			Value: "text",
		},
		&cli.StringFlag{
			Name:    "report",
			Aliases: []string{"r"},
			Usage:   "Write a per-item outcome CSV to this path",
		},
		&cli.BoolFlag{
			Name:  "tui",
			Usage: "Show an interactive progress view (terminals only)",
		},
		&cli.BoolFlag{
			Name:    "yes",
			Aliases: []string{"y"},
			Usage:   "Skip the TUI confirmation screen",
		},
	}
}

// syncAllCommand processes every eligible item.
func syncAllCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "sync-all",
		Usage:  "Process every eligible catalog item",
		Flags:  runFlags(),
		Action: r.SyncAll,
	}
}

// batchCommand processes at most --limit items.
func batchCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "batch",
		Usage: "Process at most --limit eligible catalog items",
		Flags: append(runFlags(), &cli.IntFlag{
			Name:     "limit",
			Aliases:  []string{"n"},
			Usage:    "Maximum number of items handed to workers",
			Required: true,
		}),
		Action: r.Batch,
	}
}

// statusCommand prints a catalog census.
func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show item counts per state, locks and failures",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output raw JSON",
			},
		},
		Action: r.Status,
	}
}

// cleanupLocksCommand clears stale lock tokens.
func cleanupLocksCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "cleanup-locks",
		Usage: "Clear locks older than the lock TTL",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "lock-file",
				Usage: "Host-local file guarding against overlapping cleanups",
				Value: defaultCleanupLockPath(),
			},
		},
		Action: r.CleanupLocks,
	}
}

// setupCommand handles setup operations for configuration and the SQL stores.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup and configuration commands",
		Commands: []*cli.Command{
			{
				Name:   "config",
				Usage:  "Write a configuration template",
				Flags:  []cli.Flag{configFlag()},
				Action: r.SetupConfig,
			},
			{
				Name:   "database",
				Usage:  "Initialize the catalog database and run migrations",
				Flags:  []cli.Flag{configFlag()},
				Action: r.SetupDatabase,
			},
			{
				Name:  "import",
				Usage: "Load catalog items and library entries from JSON Lines files",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "items",
						Usage: "JSON Lines file of catalog items",
					},
					&cli.StringFlag{
						Name:  "library",
						Usage: "JSON Lines file of library entries",
					},
				},
				Action: r.SetupImport,
			},
		},
	}
}
