package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
)

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mission",
		Short: "Post and run missions",
		Long:  "Missions move posted -> (bidding_open) -> assigned -> executing -> verifying -> settled, or to failed.",
	}
	cmd.AddCommand(missionCreateCmd())
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionShowCmd())
	cmd.AddCommand(missionClaimCmd())
	cmd.AddCommand(missionActionCmd("start", "Begin executing an assigned mission (worker)", func(ctx context.Context, e engine.Engine, id string) (any, error) {
		return e.StartMission(ctx, id, actorID())
	}))
	cmd.AddCommand(missionSubmitCmd())
	cmd.AddCommand(missionReviseCmd())
	cmd.AddCommand(missionApproveCmd())
	cmd.AddCommand(missionActionCmd("payout", "Settle a reviewed mission (requester)", func(ctx context.Context, e engine.Engine, id string) (any, error) {
		return e.Payout(ctx, id, actorID())
	}))
	cmd.AddCommand(missionFailCmd())
	cmd.AddCommand(missionHireCmd())
	cmd.AddCommand(missionVoteCmd())
	cmd.AddCommand(missionVotesCmd())
	cmd.AddCommand(missionActionCmd("verify", "Tally verifier votes and settle", func(ctx context.Context, e engine.Engine, id string) (any, error) {
		return e.Verify(ctx, id, actorID())
	}))
	cmd.AddCommand(missionActionCmd("settlement", "Show a mission's settlement record", func(ctx context.Context, e engine.Engine, id string) (any, error) {
		return e.Settlement(ctx, id)
	}))
	return cmd
}

// missionActionCmd builds a command that takes a mission id and prints the
// result of fn.
func missionActionCmd(use, short string, fn func(context.Context, engine.Engine, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <mission-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := fn(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func missionCreateCmd() *cobra.Command {
	var (
		opts   engine.MissionCreateOptions
		mode   string
		window time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a mission; the reward is escrowed from the actor's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Mode = domain.AssignmentMode(mode)
			opts.RequesterID = actorID()
			opts.BiddingWindow = window
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "mission id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Float64Var(&opts.Reward, "reward", 0, "reward to escrow")
	cmd.Flags().StringVar(&mode, "mode", "autopilot", "assignment mode (autopilot|bidding|crew|direct_hire)")
	cmd.Flags().StringVar(&opts.RequiredSpecialty, "specialty", "", "required specialty")
	cmd.Flags().StringVar(&opts.WorkerID, "worker", "", "agent to hire (direct_hire)")
	cmd.Flags().DurationVar(&window, "bidding-window", 0, "bidding window (bidding mode)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func missionListCmd() *cobra.Command {
	var (
		f        repo.MissionFilters
		statuses []string
		mode     string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "" {
				f.Mode = domain.AssignmentMode(mode)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMissions(ctx, statuses, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Status", "Mode", "Reward", "Requester", "Worker")
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, m.Mode, money(m.Reward), m.RequesterID, m.WorkerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&mode, "mode", "", "assignment mode filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester", "", "requester filter")
	cmd.Flags().StringVar(&f.WorkerID, "worker", "", "worker filter")
	cmd.Flags().StringVar(&f.Specialty, "specialty", "", "specialty filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max missions")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("%s  %s\n", m.ID, m.Title)
				fmt.Printf("status:    %s (%s, v%d)\n", m.Status, m.Mode, m.Version)
				fmt.Printf("reward:    %s (escrow %s)\n", money(m.Reward), money(m.Escrow.Amount))
				fmt.Printf("requester: %s\n", m.RequesterID)
				if m.WorkerID != "" {
					fmt.Printf("worker:    %s\n", m.WorkerID)
				}
				if len(m.CrewAssignments) > 0 {
					var crew []string
					for _, c := range m.CrewAssignments {
						crew = append(crew, c.AgentID)
					}
					fmt.Printf("crew:      %s\n", strings.Join(crew, ", "))
				}
				if m.BiddingClosesAt != nil {
					fmt.Printf("bidding:   closes %s, %d bid(s)\n", *m.BiddingClosesAt, len(m.Bids))
				}
				if len(m.RevisionHistory) > 0 {
					fmt.Printf("revisions: %d\n", len(m.RevisionHistory))
				}
				return nil
			})
		},
	}
}

func missionClaimCmd() *cobra.Command {
	var expected string
	cmd := &cobra.Command{
		Use:   "claim <mission-id>",
		Short: "Claim a posted mission as the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ClaimMission(ctx, args[0], actorID(), expected)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&expected, "expected-status", "", "status last observed (defaults to posted)")
	return cmd
}

func missionSubmitCmd() *cobra.Command {
	var (
		summary   string
		artifacts []string
	)
	cmd := &cobra.Command{
		Use:   "submit <mission-id>",
		Short: "Submit work for verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SubmitWork(ctx, engine.SubmitOptions{
					MissionID: args[0],
					ActorID:   actorID(),
					Summary:   summary,
					Artifacts: parseArtifacts(artifacts),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "what was done")
	cmd.Flags().StringSliceVar(&artifacts, "artifact", nil, "artifact as name=uri (repeatable)")
	return cmd
}

func missionReviseCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "revise <mission-id>",
		Short: "Send submitted work back for revision (requester)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RequestRevision(ctx, args[0], actorID(), feedback)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "what needs to change")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func missionApproveCmd() *cobra.Command {
	var (
		reject   bool
		feedback string
		rating   int
	)
	cmd := &cobra.Command{
		Use:   "approve <mission-id>",
		Short: "Record the requester's review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ApproveOptions{
				MissionID: args[0],
				ActorID:   actorID(),
				Approved:  !reject,
				Feedback:  feedback,
			}
			if cmd.Flags().Changed("rating") {
				opts.Rating = &rating
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ApproveWork(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&feedback, "feedback", "", "review notes")
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5")
	return cmd
}

func missionFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <mission-id>",
		Short: "Fail a mission and refund the requester",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.FailMission(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the mission failed")
	return cmd
}

func missionHireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hire <mission-id> <agent-id>",
		Short: "Assign a posted mission to a named agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.DirectHire(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionVoteCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "vote <mission-id> <PASS|FAIL>",
		Short: "Cast a verifier vote as the current actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CastVote(ctx, engine.VoteOptions{
					MissionID:  args[0],
					VerifierID: actorID(),
					Verdict:    args[1],
					Feedback:   feedback,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "notes for the worker")
	return cmd
}

func missionVotesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "votes <mission-id>",
		Short: "List votes on a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				votes, err := e.Votes(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(votes)
				}
				tw := newTable("Verifier", "Verdict", "Cast", "Feedback")
				for _, v := range votes {
					tw.AppendRow(table.Row{v.VerifierID, v.Verdict, v.CastAt, v.Feedback})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func bidCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bid", Short: "Run bidding windows"}

	var window time.Duration
	open := &cobra.Command{
		Use:   "open <mission-id>",
		Short: "Open bidding on a posted mission (requester)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.OpenBidding(ctx, args[0], actorID(), window)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	open.Flags().DurationVar(&window, "window", 0, "window length (config default when zero)")

	var bid domain.Bid
	var eta time.Duration
	place := &cobra.Command{
		Use:   "place <mission-id>",
		Short: "Bid as the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bid.MissionID = args[0]
			bid.AgentID = actorID()
			bid.ETASeconds = int64(eta / time.Second)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.SubmitBid(ctx, bid)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	place.Flags().Float64Var(&bid.Price, "price", 0, "asking price")
	place.Flags().DurationVar(&eta, "eta", 0, "estimated time to deliver")
	place.Flags().Float64Var(&bid.BondOffered, "bond", 0, "bond to lock with the bid")
	_ = place.MarkFlagRequired("price")

	closeCmd := &cobra.Command{
		Use:   "close <mission-id>",
		Short: "Close bidding and assign the best bid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CloseBidding(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.Closed {
					fmt.Printf("bidding on %s was already closed (status %s)\n", res.Mission.ID, res.Mission.Status)
					return nil
				}
				tw := newTable("Agent", "Price", "ETA", "Bond", "Score")
				for _, b := range res.Ranked {
					tw.AppendRow(table.Row{b.AgentID, money(b.Bid.Price), time.Duration(b.Bid.ETASeconds) * time.Second, money(b.Bid.BondOffered), fmt.Sprintf("%.3f", b.Composite)})
				}
				tw.Render()
				if res.Winner != nil {
					fmt.Printf("assigned %s to %s\n", res.Mission.ID, res.Winner.AgentID)
				} else {
					fmt.Printf("no bids; %s is %s again\n", res.Mission.ID, res.Mission.Status)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(open, place, closeCmd)
	return cmd
}

// parseArtifacts reads name=uri pairs; a bare value is used as both.
func parseArtifacts(raw []string) []domain.Artifact {
	var out []domain.Artifact
	for _, r := range raw {
		name, uri, ok := strings.Cut(r, "=")
		if !ok {
			uri = name
		}
		out = append(out, domain.Artifact{Name: strings.TrimSpace(name), URI: strings.TrimSpace(uri)})
	}
	return out
}
