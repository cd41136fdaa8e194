package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/netbox-sync/netbox-sync/internal/config"
	"github.com/netbox-sync/netbox-sync/internal/store"
	"github.com/netbox-sync/netbox-sync/internal/store/model"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thoas/go-funk"
	"sigs.k8s.io/yaml"
)

const (
	tableFormat = "table"
	jsonFormat  = "json"
	yamlFormat  = "yaml"
)

var (
	legalOutputTypes = []string{tableFormat, jsonFormat, yamlFormat}
	legalRunStatuses = []string{string(model.RunStatusRunning), string(model.RunStatusSucceeded), string(model.RunStatusFailed)}
)

type HistoryOptions struct {
	Output string
	Limit  int
	Status string
	Mode   string
}

func DefaultHistoryOptions() *HistoryOptions {
	return &HistoryOptions{
		Output: tableFormat,
		Limit:  20,
	}
}

func NewCmdHistory() *cobra.Command {
	o := DefaultHistoryOptions()
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Display recorded sync runs, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *HistoryOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Output, "output", "o", o.Output, fmt.Sprintf("Output format. One of: (%s).", strings.Join(legalOutputTypes, ", ")))
	fs.IntVar(&o.Limit, "limit", o.Limit, "Maximum number of runs to show, 0 for all.")
	fs.StringVar(&o.Status, "status", o.Status, "Only show runs with this status.")
	fs.StringVar(&o.Mode, "mode", o.Mode, "Only show runs of this mode (batch or standard).")
}

func (o *HistoryOptions) Validate(args []string) error {
	if !funk.Contains(legalOutputTypes, o.Output) {
		return fmt.Errorf("output format must be one of %s", strings.Join(legalOutputTypes, ", "))
	}
	if o.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	if o.Status != "" && !funk.Contains(legalRunStatuses, o.Status) {
		return fmt.Errorf("status must be one of %s", strings.Join(legalRunStatuses, ", "))
	}
	return nil
}

func (o *HistoryOptions) Run(ctx context.Context, w io.Writer) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	if !cfg.HistoryEnabled() {
		return errors.New("run history is disabled: set NETBOX_SYNC_DB_NAME")
	}
	history, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer history.Close()

	runs, err := o.List(ctx, history)
	if err != nil {
		return err
	}
	return printRuns(w, runs, o.Output)
}

func (o *HistoryOptions) List(ctx context.Context, history store.Store) ([]model.Run, error) {
	filter := store.NewRunQueryFilter()
	if o.Status != "" {
		filter = filter.ByStatus(model.RunStatus(o.Status))
	}
	if o.Mode != "" {
		filter = filter.ByMode(o.Mode)
	}
	runs, err := history.Run().List(ctx, filter, o.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	return runs, nil
}

func printRuns(w io.Writer, runs []model.Run, output string) error {
	switch output {
	case jsonFormat:
		marshalled, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return fmt.Errorf("marshalling runs: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", marshalled)
		return err
	case yamlFormat:
		marshalled, err := yaml.Marshal(runs)
		if err != nil {
			return fmt.Errorf("marshalling runs: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s", marshalled)
		return err
	default:
		tw := tabwriter.NewWriter(w, 0, 8, 1, '\t', 0)
		printRunsTable(tw, runs)
		return tw.Flush()
	}
}

func printRunsTable(w io.Writer, runs []model.Run) {
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tMODE\tDRY-RUN\tSTATUS\tCREATED\tUPDATED\tDELETED\tERRORS")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.Duration().Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%d\t%d\t%d\t%d\n",
			r.ID, r.StartedAt.Format(time.RFC3339), duration, r.Mode, r.DryRun, r.Status,
			r.Created, r.Updated, r.Deleted+r.InfraDeleted, r.Errors)
	}
}
