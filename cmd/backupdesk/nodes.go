package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/backupdesk/backupdesk/internal/model"
	"github.com/backupdesk/backupdesk/internal/stream"
)

func newNodesCmd(a *app) *cobra.Command {
	var (
		nodeID int
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Show node health",
		Long: `Prints a snapshot of every node's health. With --follow the live stream is
printed instead; --node narrows it to a single node.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.authed(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !follow {
				stats, err := c.API.FleetStats(ctx)
				if err != nil {
					return err
				}
				if nodeID != 0 {
					stats = onlyNode(stats, nodeID)
					if len(stats.Nodes) == 0 {
						return fmt.Errorf("node %d not found", nodeID)
					}
				}
				return render(out, a.output, stats, fleetView{stats}.table)
			}

			var (
				updates <-chan stream.StatsUpdate
				stop    func()
			)
			if nodeID != 0 {
				updates, stop = c.Node.Watch()
				c.Node.SetNode(ctx, nodeID)
			} else {
				updates, stop = c.Fleet.Watch()
				c.Fleet.Start(ctx)
			}
			defer stop()

			return followStats(cmd, out, updates)
		},
	}

	cmd.Flags().IntVar(&nodeID, "node", 0, "only show this node")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing samples from the live stream")
	return cmd
}

// followStats prints samples until the context ends or the feed closes
func followStats(cmd *cobra.Command, w io.Writer, updates <-chan stream.StatsUpdate) error {
	ctx := cmd.Context()
	lastErr := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if !u.Connected {
				if u.Error != "" && u.Error != lastErr {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", time.Now().Format(time.TimeOnly), u.Error)
				}
				lastErr = u.Error
				continue
			}
			lastErr = ""
			if u.Stats == nil {
				continue
			}
			for _, n := range u.Stats.Nodes {
				fmt.Fprintf(w, "%s %-20s %-8s cpu %-6s mem %-6s disk %-6s backups %d\n",
					u.Stats.Timestamp, n.Hostname, n.Status,
					percentCell(n.CPUPercent), percentCell(n.MemoryPercent), percentCell(n.DiskPercent),
					n.ActiveBackups)
			}
		}
	}
}

func onlyNode(stats *model.FleetStats, id int) *model.FleetStats {
	out := &model.FleetStats{Timestamp: stats.Timestamp}
	for _, n := range stats.Nodes {
		if n.ID == id {
			out.Nodes = append(out.Nodes, n)
		}
	}
	return out
}

type fleetView struct {
	stats *model.FleetStats
}

func (v fleetView) table() ([]string, [][]string) {
	rows := make([][]string, 0, len(v.stats.Nodes))
	for _, n := range v.stats.Nodes {
		host := n.Hostname
		if n.IsMaster {
			host += " (master)"
		}
		uptime := "-"
		if n.UptimeSeconds != nil {
			uptime = (time.Duration(*n.UptimeSeconds) * time.Second).String()
		}
		rows = append(rows, []string{
			strconv.Itoa(n.ID),
			host,
			string(n.Status),
			percentCell(n.CPUPercent),
			percentCell(n.MemoryPercent),
			percentCell(n.DiskPercent),
			strconv.Itoa(n.ActiveBackups),
			uptime,
		})
	}
	return []string{"id", "host", "status", "cpu", "mem", "disk", "backups", "uptime"}, rows
}

func percentCell(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v)
}
