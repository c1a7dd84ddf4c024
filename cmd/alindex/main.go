package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/index"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/objects"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/reconcile"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/server"
	temporalmod "github.com/pungggi/bc-al-upgradeassistant-sub000/internal/temporal"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/watch"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "alindex",
		Short:         "Object index and legacy cross-references for AL working files",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "alindex.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&flags.basePath, "base-path", "", "Base directory holding .index (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(
		rebuildCmd(flags),
		lookupCmd(flags),
		refsCmd(flags),
		linkCmd(flags, true),
		linkCmd(flags, false),
		eventCmd(flags),
		nextIDCmd(flags),
		pruneCmd(flags),
		purgeCmd(flags),
		watchCmd(flags),
		serveCmd(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withApp builds the app for one command run and tears it down afterwards.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(closeCtx)
	}()
	return fn(ctx, a)
}

func printResult(flags *globalFlags, v any, text string) error {
	if flags.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Println(text)
	return nil
}

func parseIdentityArgs(args []string) (objects.Identity, error) {
	return objects.ParseIdentity(args[0], args[1])
}

func rebuildCmd(flags *globalFlags) *cobra.Command {
	var (
		prune       bool
		useTemporal bool
	)
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Index every working file under the base path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if useTemporal {
					return rebuildViaTemporal(ctx, flags, a, prune)
				}
				stats, err := a.walker().Rebuild(ctx)
				if err != nil {
					return err
				}
				var pruned []objects.Identity
				if prune {
					if pruned, err = a.engine.Prune(ctx); err != nil {
						return err
					}
				}
				return printResult(flags, map[string]any{"stats": stats, "pruned": pruned},
					fmt.Sprintf("Indexed %d of %d files (%d unchanged, %d skipped, %d duplicate, %d failed) in %s; pruned %d",
						stats.Indexed, stats.Files, stats.Unchanged, stats.Skipped, stats.Duplicates, stats.Failed,
						stats.Duration.Round(time.Millisecond), len(pruned)))
			})
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "Soft-delete records whose working file is gone")
	cmd.Flags().BoolVar(&useTemporal, "temporal", false, "Run the rebuild as a Temporal workflow")
	return cmd
}

func rebuildViaTemporal(ctx context.Context, flags *globalFlags, a *app, prune bool) error {
	if !a.cfg.Index.Configured() {
		return reconcile.ErrNotConfigured
	}
	c, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  a.cfg.Temporal.Host,
		Namespace: a.cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("temporal client: %w", err)
	}
	defer c.Close()

	out, err := temporalmod.StartRebuild(ctx, c, a.cfg.Temporal.TaskQueue, a.cfg.Index.BasePath,
		temporalmod.RebuildInput{BatchSize: a.cfg.Index.BatchSize, Prune: prune})
	if err != nil {
		return err
	}
	for _, e := range out.Errors {
		a.logger.Warn("rebuild batch failed", "error", e)
	}
	return printResult(flags, out,
		fmt.Sprintf("Indexed %d of %d files in %d batches (%d failed); pruned %d",
			out.Stats.Indexed, out.Stats.Files, out.Batches, out.Stats.Failed, len(out.Pruned)))
}

func lookupCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <type> <id>",
		Short: "Show the index record of an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIdentityArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				rec, err := a.engine.Lookup(id)
				if errors.Is(err, index.ErrNotFound) {
					return fmt.Errorf("could not find original file for %s %d", id.Type, id.ID)
				}
				if err != nil {
					return err
				}
				text := fmt.Sprintf("%s %s %q\n  file: %s", rec.ObjectType, rec.ObjectNumber, rec.ObjectName, rec.OriginalPath)
				if rec.Deleted {
					text += "\n  deleted"
				}
				for _, f := range rec.ReferencedMigrationFiles {
					text += "\n  from: " + f
				}
				return printResult(flags, rec, text)
			})
		},
	}
}

func refsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refs <legacy-file>",
		Short: "List the working objects derived from a legacy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				refs, err := a.engine.ReferencesFor(args[0])
				if err != nil {
					return err
				}
				text := fmt.Sprintf("%s: %d object(s)", args[0], len(refs))
				for _, r := range refs {
					text += fmt.Sprintf("\n  %s %s", r.Type, r.Number)
				}
				return printResult(flags, server.ReferencesResponse{LegacyFile: args[0], ReferencedWorkingObjects: refs}, text)
			})
		},
	}
}

func linkCmd(flags *globalFlags, add bool) *cobra.Command {
	use, short := "link", "Record that an object derives from a legacy file"
	if !add {
		use, short = "unlink", "Remove a legacy file from an object"
	}
	return &cobra.Command{
		Use:   use + " <type> <id> <legacy-file>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIdentityArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if add {
					err = a.engine.Link(ctx, id, args[2])
				} else {
					err = a.engine.Unlink(ctx, id, args[2])
				}
				if err != nil {
					return err
				}
				return printResult(flags, map[string]string{"object": id.Key(), "legacy": args[2], "op": use},
					fmt.Sprintf("%sed %s and %s", use, id, args[2]))
			})
		},
	}
}

func eventCmd(flags *globalFlags) *cobra.Command {
	var previous string
	cmd := &cobra.Command{
		Use:   "event <created|saved|deleted> <path>",
		Short: "Apply one file event to the index",
		Long: "Apply one file event as an editor host would. For saved events, --previous names a\n" +
			"file holding the content before the save; without it the save is treated as a re-scan.",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"created", "saved", "deleted"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := buildEvent(args[0], args[1], previous)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				out, err := a.engine.Handle(ctx, ev)
				if err != nil && !errors.Is(err, reconcile.ErrPartialReconciliation) {
					return err
				}
				text := fmt.Sprintf("%s: %s", args[1], out.Action)
				if out.Action != reconcile.ActionSkipped {
					text += " " + out.Identity.String()
				}
				if out.Previous != nil {
					text += fmt.Sprintf(" (from %s, %d reference(s) moved, %d failed)", out.Previous, out.ReferencesMoved, out.ReferencesFailed)
				}
				if perr := printResult(flags, out, text); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&previous, "previous", "", "File holding the content before a save")
	return cmd
}

func buildEvent(kind, path, previousFile string) (reconcile.FileEvent, error) {
	if kind == "deleted" {
		return reconcile.Deleted{Path: path}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "created":
		return reconcile.Created{Path: path, Content: string(data)}, nil
	case "saved":
		ev := reconcile.Saved{Path: path, NewContent: string(data)}
		if previousFile != "" {
			prev, err := os.ReadFile(previousFile)
			if err != nil {
				return nil, err
			}
			s := string(prev)
			ev.PreviousContent = &s
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

func nextIDCmd(flags *globalFlags) *cobra.Command {
	var from, to int
	cmd := &cobra.Command{
		Use:   "next-id <type>",
		Short: "Print the lowest unused object number in a range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				n, err := a.engine.NextFreeID(args[0], from, to)
				if err != nil {
					return err
				}
				return printResult(flags, map[string]int{"id": n}, strconv.Itoa(n))
			})
		},
	}
	cmd.Flags().IntVar(&from, "from", 50000, "First number of the range")
	cmd.Flags().IntVar(&to, "to", 99999, "Last number of the range")
	return cmd
}

func pruneCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Soft-delete records whose working file no longer exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				pruned, err := a.engine.Prune(ctx)
				if err != nil {
					return err
				}
				text := fmt.Sprintf("Marked %d record(s) deleted", len(pruned))
				for _, id := range pruned {
					text += "\n  " + id.String()
				}
				return printResult(flags, pruned, text)
			})
		},
	}
}

func purgeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <type> <id>",
		Short: "Remove a deleted object and its reverse references",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIdentityArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				n, err := a.engine.Purge(ctx, id)
				if err != nil {
					return err
				}
				return printResult(flags, map[string]any{"object": id.Key(), "references": n},
					fmt.Sprintf("Purged %s (%d reverse reference(s) removed)", id, n))
			})
		},
	}
}

func watchCmd(flags *globalFlags) *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the index in sync with file changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if !a.cfg.Index.Configured() {
					return reconcile.ErrNotConfigured
				}
				if rebuild {
					if _, err := a.walker().Rebuild(ctx); err != nil {
						return err
					}
				}
				w, err := newWatcher(a)
				if err != nil {
					return err
				}
				a.logger.Info("watching working files", "roots", a.cfg.Index.ScanRoots())
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", true, "Rebuild the index before watching")
	return cmd
}

func newWatcher(a *app) (*watch.Watcher, error) {
	w, err := watch.New(a.engine, watch.Options{
		Extensions: a.cfg.Index.Extensions,
		Exclude:    a.cfg.Index.Exclude,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	for _, root := range a.cfg.Index.ScanRoots() {
		if err := w.Add(root); err != nil {
			return nil, err
		}
	}
	return w, nil
}
