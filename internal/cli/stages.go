package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"ajiaco/pkg/domain"
)

func (c *CLI) stageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Record subjects entering and leaving stages",
	}
	cmd.AddCommand(c.stageEnterCommand(), c.stageExitCommand())
	return cmd
}

func (c *CLI) stageEnterCommand() *cobra.Command {
	var timeout string
	cmd := &cobra.Command{
		Use:   "enter <session> <role-id> <stage>",
		Short: "Move the role's subject into a stage; running pages update live",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			roleID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid role id %q", args[1])
			}
			idx, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid stage %q", args[2])
			}
			limit, err := parseTimeout(timeout)
			if err != nil {
				return err
			}
			a, err := c.App(cmd.Context())
			if err != nil {
				return err
			}
			history, err := a.Service.EnterStage(cmd.Context(), args[0], roleID, idx, limit)
			if err != nil {
				return err
			}
			writeStage(cmd.OutOrStdout(), "entered", history)
			return nil
		},
	}
	cmd.Flags().StringVar(&timeout, "timeout", "", "time allowed in the stage, e.g. 90s")
	return cmd
}

func (c *CLI) stageExitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exit <session> <history-id>",
		Short: "Close a stage entry, flagging it when its timeout elapsed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid history id %q", args[1])
			}
			a, err := c.App(cmd.Context())
			if err != nil {
				return err
			}
			history, err := a.Service.ExitStage(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			writeStage(cmd.OutOrStdout(), "exited", history)
			return nil
		},
	}
}

func writeStage(w io.Writer, verb string, h domain.StageHistory) {
	fmt.Fprintf(w, "StageHistory %d: subject %d %s stage %d", h.ID, h.SubjectID, verb, h.StageIdx)
	if h.Timeout > 0 {
		fmt.Fprintf(w, " (timeout %s)", h.Timeout)
	}
	if h.TimedOut {
		fmt.Fprint(w, " timed out")
	}
	fmt.Fprintln(w)
}

func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", raw, err)
	}
	return d, nil
}
