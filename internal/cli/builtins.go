package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"ajiaco/internal/core"
	"ajiaco/internal/sysinfo"
)

func (c *CLI) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the version of Ajiaco and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Ajiaco v.%s\n", sysinfo.BuildVersion())
			return err
		},
	}
}

func (c *CLI) resetStorageCommand() *cobra.Command {
	var noInput bool
	cmd := &cobra.Command{
		Use:   "reset-storage",
		Short: "Drop every record, recreate the schema and stamp the storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if !noInput {
				ok, err := confirm(cmd.InOrStdin(), out, "Do you want to clear the database? [Yes/no] ")
				if err != nil || !ok {
					return err
				}
			}
			a, err := c.App(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Target: %s\n", describeStorage(c.cfg.Storage))
			fmt.Fprintln(out, "  - Deleting Storage...")
			fmt.Fprintln(out, "  - Creating Schema...")
			fmt.Fprintln(out, "  - Stamping...")
			stamp, err := a.Service.ResetStorage(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Stamp %d (%v)\n", stamp.ID, stamp.Data["VERSION"])
			fmt.Fprintln(out, "DONE!")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noInput, "noinput", false, "do not prompt for confirmation")
	return cmd
}

// confirm asks until the answer is yes or no.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, prompt)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "yes":
			return true, nil
		case "no":
			return false, nil
		}
		fmt.Fprint(out, "Please answer 'yes' or 'no': ")
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return false, errors.New("no answer given")
}

func describeStorage(cfg core.StorageConfig) string {
	switch cfg.Driver {
	case core.StorageMemory:
		return "memory"
	case core.StoragePostgres:
		return "postgres"
	default:
		return "sqlite " + cfg.SQLitePath
	}
}

func (c *CLI) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the web server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.App(cmd.Context())
			if err != nil {
				return err
			}
			return a.Serve(cmd.Context())
		},
	}
}
