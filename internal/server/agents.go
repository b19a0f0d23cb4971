package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/repo"
	"missionline/internal/reputation"
)

type AgentPath struct {
	AgentID string `path:"agent_id"`
}

type agentBody struct {
	Body domain.Agent `json:"body"`
}

// requireSelfOr passes when the caller is agentID or holds perm.
func requireSelfOr(ctx context.Context, agentID, perm string) error {
	actor, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	if actor == agentID {
		return nil
	}
	return requirePermission(ctx, perm)
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register an agent",
		Description:   "Agents register themselves; the id defaults to the authenticated actor. Registering another id needs agents.manage.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*agentBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id := strings.TrimSpace(input.Body.ID)
		if id == "" {
			id = actor
		}
		if err := requireSelfOr(ctx, id, auth.PermAgentsManage); err != nil {
			return nil, handleError(err)
		}
		a, err := e.RegisterAgent(ctx, engine.AgentRegisterOptions{
			ID:          id,
			Name:        input.Body.Name,
			Specialties: input.Body.Specialties,
			BaseScore:   input.Body.BaseScore,
			ActorID:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &agentBody{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List active agents",
	}, func(ctx context.Context, input *struct {
		Specialty     string `query:"specialty"`
		AvailableOnly bool   `query:"available"`
	}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := e.ListAgents(ctx, repo.AgentFilters{Specialty: input.Specialty, AvailableOnly: input.AvailableOnly})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *AgentPath) (*agentBody, error) {
		a, err := e.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentBody{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-availability",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/availability",
		Summary:     "Mark an agent available or busy",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		AgentPath
		Body AvailabilityRequest `json:"body"`
	}) (*agentBody, error) {
		if err := requireSelfOr(ctx, input.AgentID, auth.PermAgentsManage); err != nil {
			return nil, handleError(err)
		}
		a, err := e.SetAvailability(ctx, input.AgentID, input.Body.Available)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentBody{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-reputation",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/reputation",
		Summary:     "Reputation breakdown",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *AgentPath) (*struct {
		Body reputation.Breakdown `json:"body"`
	}, error) {
		b, err := e.AgentReputation(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		b.Contributions = nonNilSlice(b.Contributions)
		return &struct {
			Body reputation.Breakdown `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-history",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/history",
		Summary:     "Job history, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *AgentPath) (*struct {
		Body []domain.JobHistoryEntry `json:"body"`
	}, error) {
		items, err := e.AgentHistory(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.JobHistoryEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-bonds",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/bonds",
		Summary:     "Locked bonds",
	}, func(ctx context.Context, input *AgentPath) (*struct {
		Body BondsResponse `json:"body"`
	}, error) {
		items, total, err := e.AgentBonds(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BondsResponse `json:"body"`
		}{Body: BondsResponse{AgentID: input.AgentID, Locked: total, Bonds: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-inbox",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/inbox",
		Summary:     "Poll the agent's inbox",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AgentPath
		IncludeAcked bool `query:"include_acked"`
		Limit        int  `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.InboxItem `json:"body"`
	}, error) {
		if err := requireSelfOr(ctx, input.AgentID, auth.PermAgentsManage); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Inbox(ctx, input.AgentID, input.IncludeAcked, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.InboxItem `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ack-inbox",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/inbox/{item_id}/ack",
		Summary:       "Acknowledge an inbox item",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		AgentPath
		ItemID string `path:"item_id"`
	}) (*struct{}, error) {
		if err := requireSelfOr(ctx, input.AgentID, auth.PermAgentsManage); err != nil {
			return nil, handleError(err)
		}
		if err := e.AckInbox(ctx, input.AgentID, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
