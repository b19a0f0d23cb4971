package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"missionline/internal/domain"
	"missionline/internal/engine"
)

// crewPlan is the file accepted by `ml crew init --plan`.
//
//	max_members: 3
//	lead: alice
//	members: [alice, bob]
//	subtasks:
//	  - id: schema
//	    title: Design schema
//	  - id: api
//	    title: Build API
//	    depends_on: [schema]
type crewPlan struct {
	MaxMembers int      `yaml:"max_members"`
	Lead       string   `yaml:"lead"`
	Members    []string `yaml:"members"`
	Subtasks   []struct {
		ID        string   `yaml:"id"`
		Title     string   `yaml:"title"`
		Specialty string   `yaml:"specialty"`
		DependsOn []string `yaml:"depends_on"`
	} `yaml:"subtasks"`
}

func loadCrewPlan(path string) (crewPlan, error) {
	var plan crewPlan
	data, err := os.ReadFile(path)
	if err != nil {
		return plan, err
	}
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return plan, fmt.Errorf("invalid crew plan %s: %w", path, err)
	}
	return plan, nil
}

func crewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crew",
		Short: "Crew missions: members, subtasks and blockers",
	}
	cmd.AddCommand(crewInitCmd())
	cmd.AddCommand(crewMemberCmd())
	cmd.AddCommand(crewSubtasksCmd())
	cmd.AddCommand(crewSubtaskActionCmd("claim", "Claim an available subtask"))
	cmd.AddCommand(crewSubtaskActionCmd("start", "Start a claimed subtask"))
	cmd.AddCommand(crewCompleteCmd())
	cmd.AddCommand(crewBlockCmd())
	cmd.AddCommand(crewUnblockCmd())
	return cmd
}

func crewInitCmd() *cobra.Command {
	var (
		planPath string
		members  []string
	)
	cmd := &cobra.Command{
		Use:   "init <mission-id>",
		Short: "Load a subtask plan into a posted crew mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadCrewPlan(planPath)
			if err != nil {
				return err
			}
			opts := engine.CrewInitOptions{
				MissionID:  args[0],
				ActorID:    actorID(),
				Members:    append(plan.Members, members...),
				MaxMembers: plan.MaxMembers,
				Lead:       plan.Lead,
			}
			for _, s := range plan.Subtasks {
				opts.Subtasks = append(opts.Subtasks, domain.Subtask{
					ID:                s.ID,
					Title:             s.Title,
					RequiredSpecialty: s.Specialty,
					Dependencies:      s.DependsOn,
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.InitializeCrew(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "YAML file with subtasks and members")
	cmd.Flags().StringSliceVar(&members, "member", nil, "additional member (repeatable)")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func crewMemberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Add or remove crew members"}

	var role string
	add := &cobra.Command{
		Use:   "add <mission-id> <agent-id>",
		Short: "Add a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddCrewMember(ctx, args[0], args[1], role, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m.CrewAssignments)
			})
		},
	}
	add.Flags().StringVar(&role, "role", "", "role label")

	remove := &cobra.Command{
		Use:   "remove <mission-id> <agent-id>",
		Short: "Remove a member; their open subtasks become available again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RemoveCrewMember(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m.CrewAssignments)
			})
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func crewSubtasksCmd() *cobra.Command {
	var available bool
	cmd := &cobra.Command{
		Use:   "subtasks <mission-id>",
		Short: "List subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.Subtask
					err   error
				)
				if available {
					items, err = e.ListAvailableSubtasks(ctx, args[0])
				} else {
					items, err = e.ListSubtasks(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Status", "Agent", "Depends on")
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Title, s.Status, s.AssignedAgent, strings.Join(s.Dependencies, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&available, "available", false, "only subtasks ready to claim")
	return cmd
}

func crewSubtaskActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <mission-id> <subtask-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					st  domain.Subtask
					err error
				)
				if action == "claim" {
					st, err = e.ClaimSubtask(ctx, args[0], args[1], actorID(), domain.SubtaskAvailable)
				} else {
					st, err = e.StartSubtask(ctx, args[0], args[1], actorID())
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func crewCompleteCmd() *cobra.Command {
	var artifacts []string
	cmd := &cobra.Command{
		Use:   "complete <mission-id> <subtask-id>",
		Short: "Complete a subtask",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteSubtask(ctx, args[0], args[1], actorID(), parseArtifacts(artifacts))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("completed %s", res.Subtask.ID)
				if len(res.Unblocked) > 0 {
					fmt.Printf("; unblocked %s", strings.Join(res.Unblocked, ", "))
				}
				fmt.Printf("; mission is %s\n", res.Mission.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&artifacts, "artifact", nil, "artifact as name=uri (repeatable)")
	return cmd
}

func crewBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <mission-id> <subtask-id>",
		Short: "Report a blocker on a subtask",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.AddBlocker(ctx, args[0], args[1], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "what is blocking")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func crewUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <mission-id> <blocker-id>",
		Short: "Resolve a blocker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ResolveBlocker(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}
