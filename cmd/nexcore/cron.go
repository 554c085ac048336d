package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexcore/internal/cron"
	"github.com/aatumaykin/nexcore/internal/schedule"
)

var (
	cronNextCount int
	cronNextFrom  string
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Inspect cron expressions and job definitions",
}

var cronNextCmd = &cobra.Command{
	Use:   "next <expression>",
	Short: "Print the next firing times of an expression",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronNext,
}

var cronValidateCmd = &cobra.Command{
	Use:   "validate <expression>...",
	Short: "Check that expressions parse",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCronValidate,
}

var cronJobsCmd = &cobra.Command{
	Use:   "jobs [definitions-file]",
	Short: "List the jobs of a definitions file with their next run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCronJobs,
}

func runCronNext(cmd *cobra.Command, args []string) error {
	expr, err := schedule.Parse(args[0])
	if err != nil {
		return err
	}

	from := time.Now()
	if cronNextFrom != "" {
		if from, err = time.Parse(time.RFC3339, cronNextFrom); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}

	times, err := expr.NextN(from, cronNextCount)
	if err != nil {
		return err
	}
	for _, t := range times {
		fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
	}
	return nil
}

func runCronValidate(cmd *cobra.Command, args []string) error {
	var errs []error
	for _, arg := range args {
		if err := schedule.Validate(arg); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "invalid  %q: %v\n", arg, err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "valid    %q\n", arg)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d expressions are invalid", len(errs), len(args))
	}
	return nil
}

func runCronJobs(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Scheduler.JobsFile
	}
	if path == "" {
		return errors.New("no definitions file given and scheduler.jobs_file is not set")
	}

	defs, err := cron.LoadDefinitions(path)
	if err != nil {
		return err
	}

	now := time.Now()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCHEDULE\tBACKEND\tENABLED\tNEXT RUN")
	for _, def := range defs {
		next := "-"
		if expr, err := schedule.Parse(def.Schedule); err == nil {
			if t, err := expr.NextRunTime(now); err == nil {
				next = fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), humanize.RelTime(t, now, "ago", "from now"))
			}
		}
		backend := def.Backend
		if backend == "" {
			backend = string(cron.BackendLocal)
		}
		enabled := def.Enabled == nil || *def.Enabled
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", def.ID, def.Schedule, backend, enabled, next)
	}
	return w.Flush()
}

func init() {
	cronNextCmd.Flags().IntVarP(&cronNextCount, "count", "n", 5, "number of firing times to print")
	cronNextCmd.Flags().StringVar(&cronNextFrom, "from", "", "start time in RFC 3339 (default now)")

	cronCmd.AddCommand(cronNextCmd)
	cronCmd.AddCommand(cronValidateCmd)
	cronCmd.AddCommand(cronJobsCmd)
}
