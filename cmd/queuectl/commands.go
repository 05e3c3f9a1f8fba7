package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grading-queue/internal/breaker"
	"grading-queue/internal/inspector"
	"grading-queue/internal/models"
	"grading-queue/internal/store"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCounts(w io.Writer, c models.Counts) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range models.States {
		fmt.Fprintf(tw, "%s\t%d\n", s, c.Get(s))
	}
	fmt.Fprintf(tw, "total\t%d\n", c.Total())
	tw.Flush()
}

func StatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts and queue flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.queue.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "--- Queue %q ---\n", a.queue.Name())
			printCounts(out, st.Counts)
			fmt.Fprintf(out, "\npaused: %v\nrate limited: %v\nprocessing: %v\n", st.Paused, st.IsRateLimited, st.IsProcessing)
			if st.RateLimitTTL > 0 {
				fmt.Fprintf(out, "next delayed job due in: %dms\n", st.RateLimitTTL)
			}
			return nil
		},
	}
}

// newInspector resolves job metadata from the store when it is reachable.
func newInspector(cmd *cobra.Command, a *app) (*inspector.Inspector, func()) {
	st, err := store.Open(cmd.Context(), a.cfg)
	if err != nil {
		a.logger.Warn("store unavailable, previewing without metadata", "error", err)
		return inspector.New(a.queue, nil, a.logger), func() {}
	}
	return inspector.New(a.queue, st, a.logger), st.Close
}

func PreviewCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show what a cleanup would remove",
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, done := newInspector(cmd, a)
			defer done()
			preview, err := insp.Preview(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to preview: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(out, preview)
			}
			printCounts(out, preview.ByState)
			if len(preview.ByUser) > 0 {
				fmt.Fprintln(out, "\n--- By user ---")
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for id, u := range preview.ByUser {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", id, u.Name, u.Count)
				}
				tw.Flush()
			}
			if len(preview.ActiveJobs) > 0 {
				fmt.Fprintf(out, "\n%d job(s) are running and survive cleanup unless --include-active is set\n", len(preview.ActiveJobs))
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print the full preview as JSON")
	return cmd
}

func CleanupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge jobs from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			includeActive, _ := cmd.Flags().GetBool("include-active")
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return errors.New("cleanup is destructive, pass --yes to confirm")
			}
			res, err := inspector.New(a.queue, nil, a.logger).Cleanup(cmd.Context(), inspector.CleanupOptions{IncludeActive: includeActive})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "--- Removed ---")
			printCounts(out, res.Removed)
			fmt.Fprintln(out, "\n--- Remaining ---")
			printCounts(out, res.After)
			return nil
		},
	}
	cmd.Flags().Bool("include-active", false, "Also remove jobs that are currently running")
	cmd.Flags().Bool("yes", false, "Confirm the purge")
	return cmd
}

func PauseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop workers from claiming new jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.queue.Pause(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queue paused")
			return nil
		},
	}
}

func ResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Let workers claim jobs again",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.queue.Resume(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queue resumed")
			return nil
		},
	}
}

func DlqCmd(a *app) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect jobs that exhausted their retries",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List escalated jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt64("limit")
			ids, err := a.queue.DLQPeek(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list DLQ jobs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(ids) == 0 {
				fmt.Fprintln(out, "Dead letter queue is empty.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tRESULT\tUSER\tREASON")
			for _, id := range ids {
				job, err := a.queue.Get(cmd.Context(), id)
				if err != nil {
					fmt.Fprintf(tw, "%s\t-\t-\t%v\n", id, err)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, job.Payload.ResultID, job.Payload.UserID, job.FailedReason)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().Int64("limit", 50, "Maximum entries to show")
	dlqCmd.AddCommand(listCmd)
	return dlqCmd
}

// BreakerCmd operates on breaker state shared through Redis.
func BreakerCmd(a *app) *cobra.Command {
	breakerCmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect or override a shared circuit breaker",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.BreakerShared {
				return errors.New("BREAKER_SHARED=false: breaker state lives inside each process, use the API instead")
			}
			return nil
		},
	}
	get := func(name string) *breaker.Breaker {
		return breaker.New(name, breaker.OptionsFromConfig(a.cfg), breaker.BackendFromConfig(a.cfg, a.client), a.logger)
	}
	breakerCmd.AddCommand(&cobra.Command{
		Use:   "status [name]",
		Short: "Show breaker statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := a.cfg.GateKey
			if len(args) == 1 {
				name = args[0]
			}
			st, err := get(name).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	})
	for _, action := range []string{"open", "close", "reset"} {
		action := action
		breakerCmd.AddCommand(&cobra.Command{
			Use:   action + " <name>",
			Short: "Force the breaker " + action,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				b := get(args[0])
				var err error
				switch action {
				case "open":
					err = b.ForceOpen(cmd.Context())
				case "close":
					err = b.ForceClose(cmd.Context())
				default:
					err = b.Reset(cmd.Context())
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "breaker %s: %s\n", args[0], action)
				return nil
			},
		})
	}
	return breakerCmd
}
