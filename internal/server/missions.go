package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
)

type MissionPath struct {
	MissionID string `path:"mission_id"`
}

type missionBody struct {
	Body domain.Mission `json:"body"`
}

type settlementBody struct {
	Body domain.Settlement `json:"body"`
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Post a mission and escrow its reward",
		Description:   "The authenticated actor is the requester. Autopilot missions are assigned immediately when an eligible agent exists.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*missionBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateMission(ctx, engine.MissionCreateOptions{
			ID:                input.Body.ID,
			Title:             input.Body.Title,
			Description:       input.Body.Description,
			Reward:            input.Body.Reward,
			Mode:              domain.AssignmentMode(input.Body.Mode),
			RequesterID:       actor,
			RequiredSpecialty: input.Body.RequiredSpecialty,
			WorkerID:          input.Body.WorkerID,
			BiddingWindow:     time.Duration(input.Body.BiddingWindowSeconds) * time.Second,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" doc:"Comma separated statuses"`
		Mode        string `query:"assignment_mode"`
		RequesterID string `query:"requester_id"`
		WorkerID    string `query:"worker_id"`
		Specialty   string `query:"specialty"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		f := repo.MissionFilters{
			RequesterID: input.RequesterID,
			WorkerID:    input.WorkerID,
			Specialty:   input.Specialty,
			Limit:       normalizeLimit(input.Limit),
		}
		if input.Mode != "" {
			mode, err := domain.ParseAssignmentMode(input.Mode)
			if err != nil {
				return nil, handleError(err)
			}
			f.Mode = mode
		}
		items, err := e.ListMissions(ctx, parseStatuses(input.Status), f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *MissionPath) (*missionBody, error) {
		m, err := e.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/claim",
		Summary:     "Claim a posted mission as the authenticated agent",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body *ClaimMissionRequest `json:"body,omitempty" required:"false"`
	}) (*missionBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var expected string
		if input.Body != nil {
			expected = input.Body.ExpectedStatus
		}
		m, err := e.ClaimMission(ctx, input.MissionID, actor, expected)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/start",
		Summary:     "Begin execution",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *MissionPath) (*missionBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.StartMission(ctx, input.MissionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-work",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/submit",
		Summary:     "Submit work for verification",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body SubmitWorkRequest `json:"body"`
	}) (*missionBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SubmitWork(ctx, engine.SubmitOptions{
			MissionID: input.MissionID,
			ActorID:   actor,
			Summary:   input.Body.Summary,
			Artifacts: input.Body.Artifacts,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-revision",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/revision",
		Summary:     "Send submitted work back to the worker",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body RevisionRequest `json:"body"`
	}) (*missionBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RequestRevision(ctx, input.MissionID, actor, input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-work",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/approve",
		Summary:     "Record the requester's review",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body ApproveRequest `json:"body"`
	}) (*missionBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ApproveWork(ctx, engine.ApproveOptions{
			MissionID: input.MissionID,
			ActorID:   actor,
			Approved:  input.Body.Approved,
			Feedback:  input.Body.Feedback,
			Rating:    input.Body.Rating,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "payout",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/payout",
		Summary:     "Settle a reviewed mission",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *MissionPath) (*settlementBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Payout(ctx, input.MissionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &settlementBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/fail",
		Summary:     "Fail a mission and refund the requester",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body *FailMissionRequest `json:"body,omitempty" required:"false"`
	}) (*missionBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		m, err := e.FailMission(ctx, input.MissionID, actor, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-settlement",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/settlement",
		Summary:     "Settlement record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *MissionPath) (*settlementBody, error) {
		s, err := e.Settlement(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &settlementBody{Body: s}, nil
	})
}

func registerBidding(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "open-bidding",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/bidding/open",
		Summary:     "Open a bidding window on a posted mission",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body *OpenBiddingRequest `json:"body,omitempty" required:"false"`
	}) (*missionBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var window time.Duration
		if input.Body != nil {
			window = time.Duration(input.Body.WindowSeconds) * time.Second
		}
		m, err := e.OpenBidding(ctx, input.MissionID, actor, window)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-bid",
		Method:        http.MethodPost,
		Path:          "/missions/{mission_id}/bids",
		Summary:       "Bid on a mission as the authenticated agent",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body SubmitBidRequest `json:"body"`
	}) (*struct {
		Body domain.Bid `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bid, err := e.SubmitBid(ctx, domain.Bid{
			MissionID:   input.MissionID,
			AgentID:     actor,
			Price:       input.Body.Price,
			ETASeconds:  input.Body.ETASeconds,
			BondOffered: input.Body.BondOffered,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bid `json:"body"`
		}{Body: bid}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-bidding",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/bidding/close",
		Summary:     "Close bidding and assign the best bid",
		Description: "Closing an already closed window returns the mission unchanged with closed=false.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *MissionPath) (*struct {
		Body engine.CloseResult `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CloseBidding(ctx, input.MissionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CloseResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "direct-hire",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/hire",
		Summary:     "Assign a posted mission to a named agent",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body DirectHireRequest `json:"body"`
	}) (*missionBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.DirectHire(ctx, input.MissionID, input.Body.AgentID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})
}

func registerVerification(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "cast-vote",
		Method:        http.MethodPost,
		Path:          "/missions/{mission_id}/votes",
		Summary:       "Cast a verifier vote",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body CastVoteRequest `json:"body"`
	}) (*struct {
		Body domain.Vote `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CastVote(ctx, engine.VoteOptions{
			MissionID:  input.MissionID,
			VerifierID: actor,
			Verdict:    input.Body.Verdict,
			Feedback:   input.Body.Feedback,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Vote `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-votes",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/votes",
		Summary:     "List votes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *MissionPath) (*struct {
		Body []domain.Vote `json:"body"`
	}, error) {
		votes, err := e.Votes(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Vote `json:"body"`
		}{Body: nonNilSlice(votes)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/verify",
		Summary:     "Tally votes and settle",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *MissionPath) (*settlementBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Verify(ctx, input.MissionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &settlementBody{Body: s}, nil
	})
}
