package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/engine"
	"missionline/internal/repo"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Agent directory"}
	cmd.AddCommand(agentRegisterCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentShowCmd())
	cmd.AddCommand(agentAvailabilityCmd())
	cmd.AddCommand(agentReputationCmd())
	cmd.AddCommand(agentHistoryCmd())
	cmd.AddCommand(agentBondsCmd())
	cmd.AddCommand(agentInboxCmd())
	cmd.AddCommand(agentAckCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var opts engine.AgentRegisterOptions
	cmd := &cobra.Command{
		Use:   "register <agent-id>",
		Short: "Register an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&opts.Specialties, "specialty", nil, "specialty (repeatable)")
	cmd.Flags().Float64Var(&opts.BaseScore, "base-score", 0, "base score (defaults to 100)")
	return cmd
}

func agentListCmd() *cobra.Command {
	var f repo.AgentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAgents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Specialties", "Available", "Reputation", "Jobs", "Earnings")
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, strings.Join(a.Specialties, ","), a.Available, fmt.Sprintf("%.2f", a.Reputation), a.JobCount, money(a.Earnings)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Specialty, "specialty", "", "specialty filter")
	cmd.Flags().BoolVar(&f.AvailableOnly, "available", false, "only available agents")
	return cmd
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentAvailabilityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "availability <agent-id> <on|off>",
		Short: "Mark an agent available or busy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var available bool
			switch strings.ToLower(args[1]) {
			case "on", "true", "yes", "available":
				available = true
			case "off", "false", "no", "busy":
			default:
				return fmt.Errorf("availability must be on or off, got %q", args[1])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAvailability(ctx, args[0], available)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentReputationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reputation <agent-id>",
		Short: "Explain an agent's reputation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.AgentReputation(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("score %.2f (raw %.2f, baseline %.0f) from %d job(s): %d pass, %d fail\n",
					b.Score, b.Raw, b.Baseline, b.Jobs, b.Passes, b.Fails)
				return nil
			})
		},
	}
}

func agentHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <agent-id>",
		Short: "Job history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AgentHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Mission", "Outcome", "Reward", "Requester", "Recorded")
				for _, h := range items {
					tw.AppendRow(table.Row{h.MissionID, h.Outcome, money(h.Reward), h.RequesterID, h.RecordedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentBondsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bonds <agent-id>",
		Short: "Locked bonds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, total, err := e.AgentBonds(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"agent_id": args[0], "locked": total, "bonds": items})
				}
				tw := newTable("Mission", "Type", "Amount", "Locked")
				for _, b := range items {
					tw.AppendRow(table.Row{b.MissionID, b.Type, money(b.Amount), b.LockedAt})
				}
				tw.AppendFooter(table.Row{"", "total", money(total), ""})
				tw.Render()
				return nil
			})
		},
	}
}

func agentInboxCmd() *cobra.Command {
	var (
		all   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "inbox [agent-id]",
		Short: "Poll an agent's inbox (defaults to the current actor)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent := actorID()
			if len(args) == 1 {
				agent = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Inbox(ctx, agent, all, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Priority", "Mission", "Created", "Acked")
				for _, it := range items {
					acked := ""
					if it.AckedAt != nil {
						acked = *it.AckedAt
					}
					mission, _ := it.Payload["mission_id"].(string)
					tw.AppendRow(table.Row{it.ID, it.TaskType, it.Priority, mission, it.CreatedAt, acked})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include acknowledged items")
	cmd.Flags().IntVar(&limit, "limit", 50, "max items")
	return cmd
}

func agentAckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <item-id>",
		Short: "Acknowledge an inbox item as the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AckInbox(ctx, actorID(), args[0])
			})
		},
	}
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Balances and movements"}

	cmd.AddCommand(&cobra.Command{
		Use:   "balance [account]",
		Short: "Show a balance (defaults to the current actor)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account := actorID()
			if len(args) == 1 {
				account = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bal, err := e.Balance(ctx, account)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"account": account, "balance": bal})
				}
				fmt.Printf("%s: %s\n", account, money(bal))
				return nil
			})
		},
	})

	var amount float64
	mint := &cobra.Command{
		Use:   "mint <account>",
		Short: "Credit an account from outside the system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bal, err := e.Mint(ctx, args[0], amount, actorID())
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", args[0], money(bal))
				return nil
			})
		},
	}
	mint.Flags().Float64Var(&amount, "amount", 0, "amount to credit")
	_ = mint.MarkFlagRequired("amount")
	cmd.AddCommand(mint)

	var f repo.LedgerFilters
	entries := &cobra.Command{
		Use:   "entries",
		Short: "List ledger movements, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.LedgerEntries(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("When", "From", "To", "Amount", "Reason", "Mission")
				for _, le := range items {
					tw.AppendRow(table.Row{le.CreatedAt, le.From, le.To, money(le.Amount), le.Reason, le.MissionID})
				}
				tw.Render()
				return nil
			})
		},
	}
	entries.Flags().StringVar(&f.Account, "account", "", "account filter")
	entries.Flags().StringVar(&f.MissionID, "mission", "", "mission filter")
	entries.Flags().IntVar(&f.Limit, "limit", 50, "max entries")
	cmd.AddCommand(entries)
	return cmd
}
