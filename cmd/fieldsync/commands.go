package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zangezia/fieldsync/internal/network"
	"github.com/zangezia/fieldsync/internal/state"
	"github.com/zangezia/fieldsync/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Faint(true).Width(18)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration, storage and backend reachability",
	RunE:  runCheck,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, sync, warm-up and network status",
	RunE:  runStatus,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the queue once and exit",
	RunE:  runSync,
}

var warmupCmd = &cobra.Command{
	Use:   "warmup",
	Short: "Fetch reference data for offline use",
	RunE:  runWarmup,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair failed queue entries",
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List entries that failed terminally",
	RunE:  runQueueFailed,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Put a failed entry back in line",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a failed entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDiscard,
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the backend credentials",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store a bearer token and user id",
	RunE:  runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token, user id and cached data",
	RunE:  runAuthLogout,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every queued write, cached resource and saved state",
	RunE:  runReset,
}

func init() {
	statusCmd.Flags().StringP("output", "o", "", "output format: yaml or json")
	warmupCmd.Flags().String("user", "", "user id (default: signed-in user)")
	authLoginCmd.Flags().String("token", "", "bearer token (default: $FIELDSYNC_API_TOKEN)")
	authLoginCmd.Flags().String("user", "", "user id")
	resetCmd.Flags().Bool("yes", false, "confirm that pending writes will be lost")

	queueCmd.AddCommand(queueFailedCmd, queueRetryCmd, queueDiscardCmd)
	authCmd.AddCommand(authLoginCmd, authLogoutCmd)
}

// withAgent loads config, opens the agent, runs fn and closes everything
func withAgent(cmd *cobra.Command, fn func(ctx context.Context, a *agent) error) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func row(w io.Writer, label, value string) {
	fmt.Fprintln(w, labelStyle.Render(label), value)
}

func mark(ok bool, msg string) string {
	if ok {
		return okStyle.Render("✓ " + msg)
	}
	return errStyle.Render("✗ " + msg)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func runCheck(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, a *agent) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, titleStyle.Render("FieldSync check"))

		file := a.cfg.File()
		if file == "" {
			file = "defaults"
		}
		row(out, "Config", mark(true, file))
		row(out, "Database", mark(true, a.db.Path()))

		free, err := a.mon.FreeSpace(a.db.Path())
		switch {
		case err != nil:
			row(out, "Disk", mark(false, err.Error()))
		default:
			row(out, "Disk", mark(free >= a.cfg.Sync.MinFreeDiskSpace,
				fmt.Sprintf("%s free (min %s)", humanize.IBytes(free), humanize.IBytes(a.cfg.Sync.MinFreeDiskSpace))))
		}

		up, iface, err := network.ActiveLink(ctx)
		switch {
		case err != nil:
			row(out, "Network link", warnStyle.Render("? "+err.Error()))
		case up:
			row(out, "Network link", mark(true, iface))
		default:
			row(out, "Network link", mark(false, "no active interface"))
		}

		st := a.netMon.Check(ctx)
		row(out, "Backend", mark(st.Online, a.cfg.API.BaseURL+" ("+st.Reason+")"))

		tok, err := a.token(ctx)
		row(out, "Token", mark(err == nil && tok != "", "bearer token configured"))
		user := a.userID(ctx)
		row(out, "User", mark(user != "", "user "+user))

		if !st.Online {
			return errors.New("backend unreachable")
		}
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")

	return withAgent(cmd, func(ctx context.Context, a *agent) error {
		stats, err := a.queue.Stats(ctx)
		if err != nil {
			return err
		}
		a.netMon.Check(ctx)

		status := models.Status{
			Sync:    a.sync.Snapshot(),
			Warmup:  a.warmup.Snapshot(),
			Network: a.network.Snapshot(),
			Queue:   stats,
			Metrics: a.mon.GetMetrics(),
		}
		return printStatus(cmd.OutOrStdout(), output, status)
	})
}

func printStatus(w io.Writer, format string, status models.Status) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "yaml":
		// through JSON so the keys match the API's snake_case
		raw, err := json.Marshal(status)
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	case "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	fmt.Fprintln(w, titleStyle.Render("Sync"))
	s := status.Sync
	pending := fmt.Sprintf("%d", s.PendingCount)
	if s.PendingCount > 0 {
		pending = warnStyle.Render(pending)
	}
	failed := fmt.Sprintf("%d", s.FailedCount)
	if s.FailedCount > 0 {
		failed = errStyle.Render(failed)
	}
	row(w, "Pending", pending)
	row(w, "Failed", failed)
	if !status.Queue.Oldest.IsZero() {
		row(w, "Oldest entry", ago(status.Queue.Oldest))
	}
	row(w, "Last sync", ago(s.LastSyncAt))
	if s.LastError != "" {
		row(w, "Last error", errStyle.Render(s.LastError))
	}
	if s.AuthRequired {
		row(w, "Auth", errStyle.Render("token rejected, run `fieldsync auth login`"))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Warm-up"))
	wu := status.Warmup
	switch {
	case wu.IsWarming:
		row(w, "State", warnStyle.Render(fmt.Sprintf("running %d%% (%s)", wu.Progress, wu.CurrentStep)))
	case wu.FinishedAt.IsZero():
		row(w, "State", "never ran")
	default:
		row(w, "State", okStyle.Render("done "+ago(wu.FinishedAt)))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Device"))
	n := status.Network
	row(w, "Network", mark(n.Online, n.Reason))
	m := status.Metrics
	row(w, "CPU", fmt.Sprintf("%.1f%%", m.CPUPercent))
	row(w, "Memory", fmt.Sprintf("%s / %s", humanize.IBytes(m.MemoryUsedBytes), humanize.IBytes(m.MemoryTotalBytes)))
	row(w, "Free disk", humanize.IBytes(m.FreeDiskBytes))
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, a *agent) error {
		if err := a.recoverQueue(ctx); err != nil {
			return err
		}
		// the network store starts offline until probed
		if st := a.netMon.Check(ctx); !st.Online {
			return fmt.Errorf("cannot sync: %s", st.Reason)
		}

		res, err := a.engine.SyncNow(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		row(out, "Sent", okStyle.Render(fmt.Sprintf("%d", res.Sent)))
		row(out, "Failed", fmt.Sprintf("%d", res.Failed))
		row(out, "Left for later", fmt.Sprintf("%d", res.Deferred))
		return nil
	})
}

func runWarmup(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")

	return withAgent(cmd, func(ctx context.Context, a *agent) error {
		if user == "" {
			user = a.userID(ctx)
		}
		if st := a.netMon.Check(ctx); !st.Online {
			return fmt.Errorf("cannot warm up: %s", st.Reason)
		}
		if err := a.loader.WarmUp(ctx, user); err != nil {
			return err
		}

		keys, err := a.db.CacheKeys(ctx)
		if err != nil {
			return err
		}
		row(cmd.OutOrStdout(), "Cached resources", okStyle.Render(humanize.Comma(int64(keys))))
		return nil
	})
}

func runQueueFailed(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, a *agent) error {
		entries, err := a.queue.Failed(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, okStyle.Render("No failed entries"))
			return nil
		}
		for _, e := range entries {
			fmt.Fprintln(out, titleStyle.Render(e.ID))
			row(out, "Kind", string(e.Kind))
			row(out, "Report", fmt.Sprintf("%d", e.ReportID))
			row(out, "Queued", ago(e.CreatedAt))
			row(out, "Attempts", fmt.Sprintf("%d", e.Attempts))
			row(out, "Error", errStyle.Render(e.LastError))
			fmt.Fprintln(out)
		}
		return nil
	})
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, a *agent) error {
		if err := a.queue.Retry(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Queued for retry on the next sync"))
		return nil
	})
}

func runQueueDiscard(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, a *agent) error {
		if err := a.queue.Discard(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Entry discarded"))
		return nil
	})
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	token, _ := cmd.Flags().GetString("token")
	user, _ := cmd.Flags().GetString("user")

	return withAgent(cmd, func(ctx context.Context, a *agent) error {
		if token == "" {
			token = a.cfg.Auth.Token
		}
		if token == "" {
			return errors.New("no token given: use --token or FIELDSYNC_API_TOKEN")
		}

		previous := a.userID(ctx)
		if err := a.db.SetMeta(ctx, metaAuthToken, token); err != nil {
			return err
		}
		if user != "" {
			if err := a.db.SetMeta(ctx, metaUserID, user); err != nil {
				return err
			}
			// reference data belongs to the previous user
			if previous != "" && previous != user {
				if err := a.db.ClearCache(ctx); err != nil {
					return err
				}
			}
		}
		a.sync.SetAuthRequired(false)
		resumeRunningAgent(ctx, a)

		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Signed in"), a.userID(ctx))
		return nil
	})
}

// resumeRunningAgent lifts the auth pause of an agent already serving on
// this device and has it warm up for the signed-in user. No agent running
// is fine.
func resumeRunningAgent(ctx context.Context, a *agent) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/api/sync/resume", a.cfg.Web.Host, a.cfg.Web.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("No running agent to resume")
		return
	}
	resp.Body.Close()
	log.Info().Int("status", resp.StatusCode).Msg("Running agent resumed")
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(ctx context.Context, a *agent) error {
		for _, key := range []string{metaAuthToken, metaUserID} {
			if err := a.db.DeleteMeta(ctx, key); err != nil {
				return err
			}
		}
		if err := a.db.ClearCache(ctx); err != nil {
			return err
		}

		if s := a.sync.Snapshot(); s.PendingCount > 0 {
			fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render(
				fmt.Sprintf("%d writes stay queued until the next login", s.PendingCount)))
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Signed out"))
		return nil
	})
}

func runReset(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		return errors.New("reset deletes every queued write; rerun with --yes")
	}

	return withAgent(cmd, func(ctx context.Context, a *agent) error {
		if err := a.queue.Reset(ctx); err != nil {
			return err
		}
		if err := a.db.ClearCache(ctx); err != nil {
			return err
		}
		for _, key := range []string{state.SyncStateKey, state.WarmupStateKey} {
			if err := a.db.DeleteMeta(ctx, key); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Local state cleared"))
		return nil
	})
}
