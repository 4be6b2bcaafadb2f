package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/backupdesk/backupdesk/internal/console"
	"github.com/backupdesk/backupdesk/internal/model"
	"github.com/backupdesk/backupdesk/internal/session"
	"github.com/backupdesk/backupdesk/internal/stream"
	"github.com/backupdesk/backupdesk/internal/tui"
)

func parseSiteIDs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, arg := range args {
		id, err := strconv.Atoi(arg)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid site id %q", arg)
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <site-id>...",
		Short: "Show the current backup status of one or more sites",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseSiteIDs(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := a.authed(ctx)
			if err != nil {
				return err
			}

			statuses, batchErr := c.Monitor.FetchStatusBatch(ctx, ids)
			if len(statuses) > 0 {
				view := statusView{ids: ids, Statuses: statuses}
				if err := render(cmd.OutOrStdout(), a.output, view.Statuses, view.table); err != nil {
					return err
				}
			}
			return batchErr
		},
	}
}

type statusView struct {
	ids      []int
	Statuses map[int]*model.BackupStatus
}

func (v statusView) table() ([]string, [][]string) {
	rows := make([][]string, 0, len(v.Statuses))
	for _, id := range v.ids {
		s, ok := v.Statuses[id]
		if !ok {
			continue
		}
		rows = append(rows, []string{
			strconv.Itoa(id),
			s.SiteName,
			string(s.Status),
			fmt.Sprintf("%.0f%%", s.Progress),
			deref(s.Stage, "-"),
			s.Message,
			deref(s.Error, ""),
		})
	}
	return []string{"site", "name", "state", "progress", "stage", "message", "error"}, rows
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		noFleet bool
		plain   bool
	)

	cmd := &cobra.Command{
		Use:   "watch <site-id>...",
		Short: "Follow backup jobs live",
		Long: `Opens a live dashboard of the given sites' backups and, unless --no-fleet is
set, the node health feed. Updates arrive over the configured push transport
and fall back to polling when it is unavailable.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseSiteIDs(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			dashboard := !plain && term.IsTerminal(int(os.Stdout.Fd()))
			if dashboard {
				if err := a.logToFile(); err != nil {
					return err
				}
			}

			c, err := a.authed(ctx)
			if err != nil {
				return err
			}
			a.serveMetrics(ctx, c)

			for _, id := range ids {
				if err := c.Monitor.StartMonitoring(ctx, id); err != nil {
					return fmt.Errorf("site %d: %w", id, err)
				}
			}

			if !dashboard {
				return followPlain(ctx, cmd.OutOrStdout(), c, ids)
			}

			var fleet tui.Fleet
			if !noFleet {
				c.Fleet.Start(ctx)
				fleet = c.Fleet
			}

			go func() {
				if err := c.Guard.Run(ctx); err != nil && ctx.Err() == nil {
					c.Logger.Warn("idle guard stopped", zap.Error(err))
				}
			}()

			m := tui.New(ids, c.Monitor, fleet, c.Guard)
			p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))

			unsubscribe := c.Session.OnStateChange(func(from, to session.State) {
				if to == session.StateAnonymous {
					p.Send(tui.SessionEndedMsg{Reason: "signed out"})
				}
			})
			defer unsubscribe()

			final, err := p.Run()
			if fm, ok := final.(tui.Model); ok {
				fm.Close()
				if reason := fm.Ended(); reason != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "Session ended (%s). Run `backupdesk login` to continue.\n", reason)
				}
			}
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("dashboard failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noFleet, "no-fleet", false, "do not open the node health feed")
	cmd.Flags().BoolVar(&plain, "plain", false, "print one line per update instead of the dashboard")
	return cmd
}

// followPlain prints updates until every site settles or the session ends
func followPlain(ctx context.Context, w io.Writer, c *console.Console, ids []int) error {
	updates, stop := c.Monitor.Watch()
	defer stop()

	pending := make(map[int]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
		if s, ok := c.Monitor.Snapshot(id); ok {
			u := stream.Update{ID: id, Snapshot: s, Conn: c.Monitor.ConnState(id)}
			printUpdate(w, u)
			if settled(u) {
				delete(pending, id)
			}
		}
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if !pending[u.ID] {
				continue
			}
			printUpdate(w, u)
			if settled(u) {
				delete(pending, u.ID)
			}
			if !c.Session.IsAuthenticated() {
				return errors.New("session ended")
			}
		}
	}
	return nil
}

// settled reports whether u is the last update its site will send. An idle
// site releases its feed without a terminal status.
func settled(u stream.Update) bool {
	if u.Conn.Terminal || u.Conn.Phase == stream.PhaseTerminated {
		return true
	}
	return u.Snapshot != nil && u.Snapshot.Status.Settled()
}

func printUpdate(w io.Writer, u stream.Update) {
	ts := time.Now().Format(time.TimeOnly)
	if u.Snapshot == nil {
		fmt.Fprintf(w, "%s site %d: %s %s\n", ts, u.ID, u.Conn.Mode, u.Conn.Error)
		return
	}
	s := u.Snapshot
	fmt.Fprintf(w, "%s site %d %s: %s %.0f%% %s\n", ts, u.ID, s.SiteName, s.Status, s.Progress, s.Message)
}
