package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ajiaco/internal/live"
	"ajiaco/internal/table"
)

type tableSnapshot struct {
	Seq   uint64       `json:"seq"`
	Table *table.Table `json:"table"`
}

func (c *CLI) watchCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "watch <session>",
		Short: "Follow live updates of a session on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.Context(), cmd.OutOrStdout(), c.Logger(), server, args[0], c.cfg.Live.HighlightDelay)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8000", "base URL of the ajiaco server")
	return cmd
}

func fetchSnapshot(ctx context.Context, base *url.URL, session string) (tableSnapshot, error) {
	endpoint := base.JoinPath("api", "v1", "sessions", session, "table")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return tableSnapshot{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return tableSnapshot{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tableSnapshot{}, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = sonic.Unmarshal(body, &apiErr)
		return tableSnapshot{}, fmt.Errorf("fetch %s: %s: %s", session, resp.Status, apiErr.Error)
	}
	var snap tableSnapshot
	if err := sonic.Unmarshal(body, &snap); err != nil {
		return tableSnapshot{}, fmt.Errorf("decode table: %w", err)
	}
	if snap.Table == nil {
		return tableSnapshot{}, errors.New("server returned no table")
	}
	return snap, nil
}

func liveURL(base *url.URL, session string, since uint64) string {
	u := base.JoinPath("sessions", session, "live")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"since": {strconv.FormatUint(since, 10)}}.Encode()
	return u.String()
}

func cellLabel(tbl *table.Table, pos table.Position) string {
	if pos.Row < 0 {
		return "Session." + tbl.Header[pos.Col].Tag.Field
	}
	return fmt.Sprintf("row %d %s", pos.Row+1, tbl.Columns[pos.Col].Label)
}

// watch renders the session once, then applies live events to the local
// copy and prints every patched cell until ctx ends or the server closes.
func watch(ctx context.Context, out io.Writer, log *zap.Logger, server, session string, highlight time.Duration) error {
	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	snap, err := fetchSnapshot(ctx, base, session)
	if err != nil {
		return err
	}
	conn, err := live.Dial(ctx, liveURL(base, session, snap.Seq))
	if err != nil {
		return err
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	tbl := snap.Table
	fmt.Fprintf(out, "watching %s: %d rows, %d columns\n", tbl.Session, len(tbl.Rows), len(tbl.Columns))
	opts := []live.MatcherOption{
		live.WithLogger(log),
		live.OnPatch(func(p live.Patch) {
			if p.Highlight {
				fmt.Fprintf(out, "%s = %s\n", cellLabel(tbl, p.Pos), p.Text)
			}
		}),
	}
	if highlight > 0 {
		opts = append(opts, live.WithHighlightDelay(highlight))
	}
	matcher := live.NewMatcher(tbl, opts...)
	defer matcher.Stop()

	for {
		ev, err := conn.Next()
		switch {
		case err == nil:
			if matcher.Apply(ev) == 0 {
				log.Debug("live event matched no cell", zap.String("model", string(ev.Model)), zap.Int64("id", ev.ModelID))
			}
		case errors.Is(err, live.ErrMalformedEvent):
			log.Debug("skip malformed live event", zap.Error(err))
		case ctx.Err() != nil || live.IsClosed(err):
			return nil
		default:
			return err
		}
	}
}
