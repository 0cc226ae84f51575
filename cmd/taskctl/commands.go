package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/guido-cesarano/taskgate/pkg/config"
	"github.com/guido-cesarano/taskgate/pkg/dispatch"
	"github.com/guido-cesarano/taskgate/pkg/fleet"
	"github.com/guido-cesarano/taskgate/pkg/gate"
	"github.com/guido-cesarano/taskgate/pkg/queue"
	"github.com/guido-cesarano/taskgate/pkg/scheduler"
	"github.com/guido-cesarano/taskgate/pkg/store"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/olekukonko/tablewriter"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// cli carries the state shared by all subcommands.
type cli struct {
	out        io.Writer
	configPath string
	cfg        *config.Config
	sched      *scheduler.Scheduler
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "taskctl",
		Short:         "Inspect and operate taskgate pending tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().String("redis-addr", "", "Redis address (overrides redis.addr)")

	root.AddCommand(c.listCmd(), c.showCmd(), c.overrideCmd(), c.tickCmd())
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if f := cmd.Flags().Lookup("redis-addr"); f != nil && f.Changed {
		if err := cfg.Viper().BindPFlag(config.RedisAddr, f); err != nil {
			return err
		}
	}
	notifier, err := cfg.Notifier()
	if err != nil {
		return err
	}

	rdb := redis.NewClient(cfg.RedisOptions())
	st := store.New(rdb)
	reg := fleet.NewRegistry(rdb)
	q := queue.NewClient(rdb)
	c.cfg = cfg
	c.sched = scheduler.New(scheduler.Deps{
		Store:      st,
		Gate:       gate.New(st, reg),
		Resolver:   reg,
		Cleaner:    reg,
		Dispatcher: dispatch.Publisher{Queue: q},
		Notifier:   notifier,
		History:    q,
	}, cfg.Scheduler())
	return nil
}

func (c *cli) listCmd() *cobra.Command {
	var (
		state, owner, server, taskType string
		limit                          int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := tasks.Filter{OwnerID: owner, AssociatedServerID: server, Type: taskType, Limit: limit}
			if state != "" {
				s, err := tasks.ParseState(state)
				if err != nil {
					return err
				}
				f.States = []tasks.State{s}
			}
			found, err := c.sched.Store.Find(cmd.Context(), f)
			if err != nil {
				return err
			}
			c.renderTable(found)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only tasks in this state")
	cmd.Flags().StringVar(&owner, "owner", "", "only tasks of this owner")
	cmd.Flags().StringVar(&server, "server", "", "only tasks gated on this server")
	cmd.Flags().StringVar(&taskType, "type", "", "only tasks of this type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of rows")
	return cmd
}

func (c *cli) renderTable(found []*tasks.Task) {
	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"ID", "Owner", "Server", "Type", "State", "Attempts", "Started"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for _, t := range found {
		started := "-"
		if t.StartDate != nil {
			started = humanize.Time(*t.StartDate)
		}
		table.Append([]string{
			t.ID,
			fmt.Sprintf("%s/%s", t.OwnerKind, t.OwnerID),
			t.AssociatedServerID,
			t.Type,
			string(t.State),
			strconv.Itoa(t.Attempts),
			started,
		})
	}
	table.Render()
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print one task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := c.sched.Store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.out)
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		},
	}
}

func (c *cli) overrideCmd() *cobra.Command {
	var directive, adminKey, operator string
	cmd := &cobra.Command{
		Use:   "override <task-id>...",
		Short: "Force tasks into a state, bypassing the gate",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := tasks.ParseDirective(directive)
			if err != nil {
				return err
			}
			who := scheduler.Principal{Name: operator}
			if want := c.cfg.String(config.AdminKey); want != "" && adminKey == want {
				who.Roles = []string{scheduler.RoleAdmin}
			}

			updated, err := c.sched.Override(cmd.Context(), who, args, d)
			for _, t := range updated {
				fmt.Fprintf(c.out, "%s -> %s (attempts %d)\n", t.ID, t.State, t.Attempts)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&directive, "directive", "", "reset-to-ready, reset-to-in-process, force-complete or force-failed")
	cmd.Flags().StringVar(&adminKey, "admin-key", "", "admin key (auth.admin_key)")
	cmd.Flags().StringVar(&operator, "as", "taskctl", "operator name recorded in the task messages")
	return cmd
}

func (c *cli) tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "tick scheduler|monitor|reaper",
		Short:     "Run one tick now",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"scheduler", "monitor", "reaper"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			switch args[0] {
			case "scheduler":
				t, err := c.sched.RunOnce(ctx)
				if err != nil {
					return err
				}
				if t == nil {
					fmt.Fprintln(c.out, "nothing dispatched")
					return nil
				}
				fmt.Fprintf(c.out, "dispatched %s on %s\n", t.ID, t.AssociatedServerID)
			case "monitor":
				n, err := c.sched.Monitor(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%d alerts sent\n", n)
			case "reaper":
				report, err := c.sched.Reap(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "found %d, timed out %d, deferred %d, cleanup errors %d\n",
					report.Found, len(report.TimedOut), report.Deferred, report.CleanupErrors)
			}
			return nil
		},
	}
}
