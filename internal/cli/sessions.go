package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ajiaco/internal/adapters/exports"
	"ajiaco/internal/core"
	"ajiaco/internal/entitymodel"
	"ajiaco/internal/table"
	"ajiaco/pkg/domain"
)

func (c *CLI) createSessionCommand() *cobra.Command {
	var spec core.SessionSpec
	cmd := &cobra.Command{
		Use:   "create-session",
		Short: "Create a session with its subjects, rounds, groups and roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.App(cmd.Context())
			if err != nil {
				return err
			}
			agg, res, err := a.Service.CreateSession(cmd.Context(), spec)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range res.Violations {
				fmt.Fprintf(out, "warning: %s: %s\n", v.Rule, v.Message)
			}
			fmt.Fprintf(out, "Created session %s (%s): %d subjects, %d rounds\n",
				agg.Session.Code, agg.Session.ExperimentName, len(agg.Subjects), len(agg.Rounds))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&spec.ExperimentName, "experiment", "", "experiment name")
	flags.StringVar(&spec.Code, "code", "", "session code (generated when empty)")
	flags.IntVar(&spec.Subjects, "subjects", 0, "number of subjects")
	flags.IntVar(&spec.Rounds, "rounds", 0, "number of rounds")
	flags.IntVar(&spec.GroupSize, "group-size", 0, "subjects per group (0 puts everyone in one group)")
	flags.BoolVar(&spec.FixedGroups, "fixed-groups", false, "keep the same groups in every round")
	flags.BoolVar(&spec.Demo, "demo", false, "mark the session as a demo")
	flags.IntVar(&spec.LenStages, "len-stages", 0, "number of stages per round")
	_ = cmd.MarkFlagRequired("experiment")
	return cmd
}

func (c *CLI) showCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <session>",
		Short: "Print the flattened table of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.App(cmd.Context())
			if err != nil {
				return err
			}
			tbl, err := a.Service.Render(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if format == "text" {
				return writeText(cmd.OutOrStdout(), tbl)
			}
			f, err := exports.ParseFormat(format)
			if err != nil {
				return err
			}
			return exports.Write(cmd.OutOrStdout(), f, tbl)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, csv or json")
	return cmd
}

func writeText(w io.Writer, tbl *table.Table) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range tbl.Header {
		fmt.Fprintf(tw, "Session.%s\t%s\n", c.Tag.Field, c.Text)
	}
	fmt.Fprintln(tw)
	labels := make([]string, len(tbl.Columns))
	for i, col := range tbl.Columns {
		labels[i] = col.Label
	}
	fmt.Fprintln(tw, strings.Join(labels, "\t"))
	for _, row := range tbl.Rows {
		texts := make([]string, len(row.Cells))
		for i, cell := range row.Cells {
			texts[i] = cell.Text
		}
		fmt.Fprintln(tw, strings.Join(texts, "\t"))
	}
	return tw.Flush()
}

func (c *CLI) exportCommand() *cobra.Command {
	var (
		format string
		output string
		store  bool
	)
	cmd := &cobra.Command{
		Use:   "export <session>",
		Short: "Export the flattened table of a session as CSV or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := exports.ParseFormat(format)
			if err != nil {
				return err
			}
			a, err := c.App(cmd.Context())
			if err != nil {
				return err
			}
			if store {
				return storeExport(cmd.Context(), cmd.OutOrStdout(), a.Exports, args[0], f)
			}
			tbl, err := a.Service.Render(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				return exports.Write(cmd.OutOrStdout(), f, tbl)
			}
			file, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := exports.Write(file, f, tbl); err != nil {
				_ = file.Close()
				return err
			}
			return file.Close()
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&format, "format", "f", string(exports.FormatCSV), "csv or json")
	flags.StringVarP(&output, "output", "o", "", "output file (default stdout)")
	flags.BoolVar(&store, "store", false, "write the export to the configured blob store instead")
	return cmd
}

func storeExport(ctx context.Context, out io.Writer, worker *exports.Worker, session string, f exports.Format) error {
	worker.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = worker.Stop(stopCtx)
	}()
	record, err := worker.Enqueue(ctx, exports.Input{Session: session, Formats: []exports.Format{f}, RequestedBy: "cli"})
	if err != nil {
		return err
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		current, _ := worker.Get(record.ID)
		switch current.Status {
		case exports.StatusSucceeded:
			for _, artifact := range current.Artifacts {
				fmt.Fprintf(out, "%s\t%d bytes\t%d rows\n", artifact.Key, artifact.SizeBytes, artifact.Rows)
			}
			return nil
		case exports.StatusFailed:
			return fmt.Errorf("export %s failed: %s", current.ID, current.Error)
		}
	}
}

// parseModel resolves name case-insensitively against the editable record
// types published by the API contract.
func parseModel(name string) (domain.EntityType, error) {
	models, err := entitymodel.Models()
	if err != nil {
		return "", err
	}
	for _, m := range models {
		if strings.EqualFold(m, name) {
			return domain.EntityType(m), nil
		}
	}
	return "", fmt.Errorf("unknown model %q (one of %s)", name, strings.Join(models, ", "))
}

// parseAssignments reads field=value pairs. Values are YAML scalars, so 3 is
// an integer, true a boolean and null clears an extra field.
func parseAssignments(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		fields[name] = value
	}
	return fields, nil
}

func (c *CLI) setCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <session> <model> <id> <field=value>...",
		Short: "Change fields of one record; running pages update live",
		Args:  cobra.MinimumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := parseModel(args[1])
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[2])
			}
			fields, err := parseAssignments(args[3:])
			if err != nil {
				return err
			}
			a, err := c.App(cmd.Context())
			if err != nil {
				return err
			}
			record, res, err := a.Service.SetFields(cmd.Context(), args[0], model, id, fields)
			if err != nil {
				var violation domain.RuleViolationError
				if errors.As(err, &violation) {
					for _, v := range violation.Result.Violations {
						fmt.Fprintf(cmd.ErrOrStderr(), "blocked: %s: %s\n", v.Rule, v.Message)
					}
				}
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range res.Violations {
				fmt.Fprintf(out, "warning: %s: %s\n", v.Rule, v.Message)
			}
			current := record.Fields()
			for _, arg := range args[3:] {
				name, _, _ := strings.Cut(arg, "=")
				fmt.Fprintf(out, "%s %d %s = %s\n", record.Entity(), record.RecordID(), name, table.FormatValue(current[name]))
			}
			return nil
		},
	}
}
