package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/admin"
	"github.com/t77yq/jobscheduler/internal/events"
	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/trigger"
)

type options struct {
	natsURL string
	subject string
	timeout time.Duration
	json    bool

	nc     *nats.Conn
	client *admin.Client
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "schedctl",
		Short:        "Administer a job scheduler over NATS",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			nc, err := nats.Connect(opts.natsURL, nats.Name("schedctl"), nats.Timeout(opts.timeout))
			if err != nil {
				return errors.Wrap(err, "failed to connect to NATS")
			}
			opts.nc = nc
			opts.client = admin.NewClient(nc, opts.subject, opts.timeout)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.nc != nil {
				opts.nc.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&opts.natsURL, "nats-url", nats.DefaultURL, "NATS server URL")
	root.PersistentFlags().StringVar(&opts.subject, "subject", admin.DefaultSubject, "admin subject prefix")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON instead of tables")

	root.AddCommand(
		addCommand(opts),
		jobCommand(opts, "get", "Show a job", opts.get),
		jobCommand(opts, "pause", "Pause a job", opts.pause),
		jobCommand(opts, "resume", "Resume a paused job", opts.resume),
		removeCommand(opts),
		listCommand(opts),
		rescheduleCommand(opts),
		stateCommand(opts),
		statsCommand(opts),
		historyCommand(opts),
		watchCommand(opts),
	)
	return root
}

func addCommand(opts *options) *cobra.Command {
	var (
		id           string
		name         string
		schedule     string
		handler      string
		args         string
		maxInstances int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		Example: `  schedctl add --id nightly --schedule "cron:0 3 * * *" --handler http_request \
    --args '{"url":"http://reports.local/run","method":"POST"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := trigger.ParseSpec(schedule)
			if err != nil {
				return err
			}
			job := &model.Job{
				ID:           id,
				Name:         name,
				Action:       model.Action{Handler: handler},
				Trigger:      spec,
				MaxInstances: maxInstances,
			}
			if args != "" {
				if !json.Valid([]byte(args)) {
					return errors.New("--args is not valid JSON")
				}
				job.Action.Args = json.RawMessage(args)
			}

			added, err := opts.client.AddJob(cmd.Context(), job)
			if err != nil {
				return err
			}
			return opts.printJobs(cmd.OutOrStdout(), added)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "job ID (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&schedule, "schedule", "", `trigger, e.g. "every:5m", "cron:*/10 * * * *", "date:2026-01-02T15:04:05Z"`)
	cmd.Flags().StringVar(&handler, "handler", "", "action handler name")
	cmd.Flags().StringVar(&args, "args", "", "action arguments as JSON")
	cmd.Flags().IntVar(&maxInstances, "max-instances", 1, "maximum concurrent runs")
	cmd.MarkFlagRequired("schedule")
	cmd.MarkFlagRequired("handler")
	return cmd
}

func jobCommand(opts *options, use, short string, op func(ctx context.Context, id string) (*model.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := op(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.printJobs(cmd.OutOrStdout(), job)
		},
	}
}

func (o *options) get(ctx context.Context, id string) (*model.Job, error) {
	return o.client.GetJob(ctx, id)
}

func (o *options) pause(ctx context.Context, id string) (*model.Job, error) {
	return o.client.PauseJob(ctx, id)
}

func (o *options) resume(ctx context.Context, id string) (*model.Job, error) {
	return o.client.ResumeJob(ctx, id)
}

func removeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client.RemoveJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func listCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := opts.client.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			return opts.printJobs(cmd.OutOrStdout(), jobs...)
		},
	}
}

func rescheduleCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reschedule <job-id> <schedule>",
		Short: "Replace the trigger of a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := trigger.ParseSpec(args[1])
			if err != nil {
				return err
			}
			job, err := opts.client.RescheduleJob(cmd.Context(), args[0], spec)
			if err != nil {
				return err
			}
			return opts.printJobs(cmd.OutOrStdout(), job)
		},
	}
}

func stateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the scheduler state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := opts.client.State(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func statsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show scheduler and executor counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := opts.client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), stats)
			}

			s := stats.Scheduler
			data := pterm.TableData{
				{"state", string(s.State)},
				{"polls", strconv.FormatUint(s.Polls, 10)},
				{"dispatched", strconv.FormatUint(s.Dispatched, 10)},
				{"skipped", strconv.FormatUint(s.Skipped, 10)},
				{"conflicts", strconv.FormatUint(s.Conflicts, 10)},
				{"completed", strconv.FormatUint(s.Completed, 10)},
				{"store failures", strconv.FormatUint(s.StoreFailures, 10)},
			}
			if e := stats.Executor; e != nil {
				data = append(data,
					[]string{"workers", strconv.Itoa(e.Workers)},
					[]string{"running", strconv.Itoa(e.Running)},
					[]string{"queued", strconv.Itoa(e.Queued)},
					[]string{"held", strconv.Itoa(e.Held)},
					[]string{"cpu", fmt.Sprintf("%.1f%%", e.CPUUsage)},
					[]string{"memory", fmt.Sprintf("%.1f%%", e.MemoryUsage)},
				)
			}
			return renderTable(cmd.OutOrStdout(), data, false)
		},
	}
}

func historyCommand(opts *options) *cobra.Command {
	var (
		jobID   string
		outcome string
		offset  int
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			history, total, err := opts.client.History(cmd.Context(), jobID, model.ExecutionOutcome(outcome), offset, limit)
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"total": total, "executions": history})
			}

			data := pterm.TableData{{"EVENT", "JOB", "OUTCOME", "SCHEDULED", "DURATION", "ERROR"}}
			for _, ev := range history {
				data = append(data, []string{
					ev.ID,
					ev.JobID,
					string(ev.Outcome),
					ev.ScheduledAt.Format(time.RFC3339),
					ev.Duration.String(),
					ev.Error,
				})
			}
			if err := renderTable(cmd.OutOrStdout(), data, true); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d\n", len(history), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "only this job")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only succeeded or failed runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	cmd.Flags().IntVar(&limit, "limit", 20, "records to show")
	return cmd
}

func watchCommand(opts *options) *cobra.Command {
	var stream string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream execution events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			js, err := opts.nc.JetStream()
			if err != nil {
				return errors.Wrap(err, "failed to create JetStream context")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			err = events.SubscribeEvents(ctx, js, stream, zap.NewNop(), func(name string, ev model.ExecutionEvent) {
				if opts.json {
					writeJSON(out, ev)
					return
				}
				line := fmt.Sprintf("%s %-14s %s (%s)", ev.FinishedAt.Format(time.RFC3339), name, ev.JobID, ev.Duration)
				if ev.Error != "" {
					line += " " + ev.Error
				}
				fmt.Fprintln(out, line)
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&stream, "stream", "SCHEDULER_EVENTS", "JetStream stream holding execution events")
	return cmd
}

func (o *options) printJobs(w io.Writer, jobs ...*model.Job) error {
	if o.json {
		if len(jobs) == 1 {
			return writeJSON(w, jobs[0])
		}
		return writeJSON(w, jobs)
	}

	data := pterm.TableData{{"ID", "NAME", "HANDLER", "TRIGGER", "NEXT FIRE", "LAST RESULT", "PAUSED"}}
	for _, job := range jobs {
		next := "-"
		if job.NextFire != nil {
			next = job.NextFire.Format(time.RFC3339)
		}
		data = append(data, []string{
			job.ID,
			job.Name,
			job.Action.Handler,
			describeTrigger(job.Trigger),
			next,
			string(job.LastResult),
			strconv.FormatBool(job.Paused),
		})
	}
	return renderTable(w, data, true)
}

func describeTrigger(spec model.TriggerSpec) string {
	switch spec.Kind {
	case model.TriggerInterval:
		return "every " + spec.Every.String()
	case model.TriggerCron:
		if spec.Location != "" {
			return "cron " + spec.Expression + " " + spec.Location
		}
		return "cron " + spec.Expression
	case model.TriggerDate:
		return "at " + spec.At.Format(time.RFC3339)
	default:
		return string(spec.Kind)
	}
}

func renderTable(w io.Writer, data pterm.TableData, header bool) error {
	return pterm.DefaultTable.WithHasHeader(header).
		WithData(data).
		WithWriter(w).
		Render()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
