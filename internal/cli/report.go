package cli

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/codec"
	"github.com/roach88/lockstep/internal/store"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	Database string
	Step     int64 // -1 means no step detail
}

// RunListing is one row of the run list.
type RunListing struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Cycles    int64     `json:"cycles"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`

	// LastStep is set for runs that never ended: the last step the log
	// holds, or -1 when the run died before its first step was written.
	LastStep *int64 `json:"last_step,omitempty"`
}

// RunDetail is the full record of one run.
type RunDetail struct {
	RunListing
	ConfigHash string            `json:"config_hash"`
	TimestepNS int64             `json:"timestep_ns"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	Engines    []EngineSummary   `json:"engines"`
	Steps      []StepListing     `json:"steps"`
	Failures   []FailureSummary  `json:"failures"`
	Devices    []json.RawMessage `json:"devices,omitempty"`
}

// StepListing is one recorded step.
type StepListing struct {
	Step      int64  `json:"step"`
	SimTimeNS int64  `json:"sim_time_ns"`
	Hash      string `json:"hash"`
	Devices   int    `json:"devices"`
	Failures  int    `json:"failures"`
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report [run-id]",
		Short: "Show recorded runs",
		Long: `Show runs recorded by "lockstep run --db".

Without a run id, every run in the database is listed and runs that were
never ended (the process died mid-run) are flagged. With a run id, the
run's engines, steps and failures are shown; --step also prints the devices
recorded for that step after checking them against the stored hash.

Example:
  lockstep report --db ./runs.db
  lockstep report --db ./runs.db 01929b6e-...
  lockstep report --db ./runs.db 01929b6e-... --step 3 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd, opts.EnvFile)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load settings", err)
			}
			opts.Database = s.String("db")
			opts.Step = s.Int64("step")
			if opts.Database == "" {
				return NewExitError(ExitCommandError, "database is required (--db or LOCKSTEP_DB)")
			}
			if len(args) == 0 {
				return runListRuns(opts, cmd)
			}
			return runShowRun(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().Int64Var(&opts.Step, "step", -1, "also show the devices recorded at this step")

	return cmd
}

// openExisting opens the run log without creating it.
func openExisting(path string) (*store.Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func runListRuns(opts *ReportOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	incomplete, err := st.FindIncompleteRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find incomplete runs", err)
	}

	lastSteps := make(map[string]int64, len(incomplete))
	for _, r := range incomplete {
		last, err := st.LastStep(ctx, r.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read last step", err)
		}
		lastSteps[r.ID] = last
	}

	listing := make([]RunListing, 0, len(runs))
	for _, r := range runs {
		l := toListing(r)
		if last, ok := lastSteps[r.ID]; ok {
			l.LastStep = &last
		}
		listing = append(listing, l)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return formatter.Respond(CLIResponse{Status: "ok", Data: listing})
	}

	w := cmd.OutOrStdout()
	if len(listing) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tNAME\tSTATUS\tCYCLES\tSTARTED")
	for _, r := range listing {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Name, r.Status, r.Cycles, r.StartedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(incomplete) > 0 {
		fmt.Fprintf(w, "\n%d run(s) never ended:\n", len(incomplete))
		for _, r := range incomplete {
			if last := lastSteps[r.ID]; last >= 0 {
				fmt.Fprintf(w, "  %s (last step %d)\n", r.ID, last)
			} else {
				fmt.Fprintf(w, "  %s (no steps recorded)\n", r.ID)
			}
		}
	}
	return nil
}

func runShowRun(opts *ReportOptions, runID string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.ReadRun(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", runID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}
	steps, err := st.ReadSteps(ctx, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read steps", err)
	}
	failures, err := st.ReadFailures(ctx, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read failures", err)
	}

	detail := RunDetail{
		RunListing: toListing(run),
		ConfigHash: run.ConfigHash,
		TimestepNS: run.Timestep.Nanoseconds(),
		Engines:    make([]EngineSummary, 0, len(run.Engines)),
		Steps:      make([]StepListing, 0, len(steps)),
		Failures:   make([]FailureSummary, 0, len(failures)),
	}
	if !run.EndedAt.IsZero() {
		ended := run.EndedAt
		detail.EndedAt = &ended
	}
	for _, e := range run.Engines {
		detail.Engines = append(detail.Engines, EngineSummary{
			Name:         e.Name,
			Endpoint:     e.Endpoint,
			Status:       e.Status,
			Steps:        e.Steps,
			EngineTimeNS: e.EngineTime.Nanoseconds(),
			Error:        e.Error,
		})
	}
	for _, s := range steps {
		detail.Steps = append(detail.Steps, StepListing{
			Step:      s.Step,
			SimTimeNS: s.SimTime.Nanoseconds(),
			Hash:      s.SnapshotHash,
			Devices:   s.Devices,
			Failures:  s.Failures,
		})
	}
	for _, f := range failures {
		detail.Failures = append(detail.Failures, failureSummary(f))
	}

	if opts.Step >= 0 {
		snap, err := st.ReadSnapshot(ctx, runID, opts.Step)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to read step %d", opts.Step), err)
		}
		detail.Devices, err = codec.EncodeRaw(snap.Devices())
		if err != nil {
			return WrapExitError(ExitFailure, "failed to encode devices", err)
		}
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return formatter.Respond(CLIResponse{Status: "ok", Data: detail, RunID: runID})
	}
	return outputRunDetail(cmd, detail)
}

func toListing(r store.Run) RunListing {
	return RunListing{
		ID:        r.ID,
		Name:      r.Name,
		Status:    string(r.Status),
		Cycles:    r.Cycles,
		StartedAt: r.StartedAt,
		Error:     r.Error,
	}
}

func outputRunDetail(cmd *cobra.Command, d RunDetail) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Run %s (%s)\n", d.ID, d.Name)
	fmt.Fprintf(w, "  status:   %s\n", d.Status)
	fmt.Fprintf(w, "  cycles:   %d\n", d.Cycles)
	fmt.Fprintf(w, "  timestep: %s\n", time.Duration(d.TimestepNS))
	fmt.Fprintf(w, "  config:   %s\n", d.ConfigHash)
	if d.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", d.Error)
	}

	fmt.Fprintln(w, "\nEngines:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range d.Engines {
		fmt.Fprintf(tw, "  %s\t%s\t%s\tsteps=%d\ttime=%s\n", e.Name, e.Endpoint, e.Status, e.Steps, time.Duration(e.EngineTimeNS))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nSteps (%d):\n", len(d.Steps))
	for _, s := range d.Steps {
		fmt.Fprintf(w, "  %4d  %-10s %s devices=%d failures=%d\n", s.Step, time.Duration(s.SimTimeNS), s.Hash, s.Devices, s.Failures)
	}

	if len(d.Failures) > 0 {
		fmt.Fprintf(w, "\nFailures (%d):\n", len(d.Failures))
		for _, f := range d.Failures {
			fmt.Fprintf(w, "  step %d %s %s\n", f.Step, f.Code, f.Message)
		}
	}

	if d.Devices != nil {
		fmt.Fprintln(w, "\nDevices:")
		for _, raw := range d.Devices {
			fmt.Fprintf(w, "  %s\n", raw)
		}
	}
	return nil
}
