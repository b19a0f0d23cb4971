package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"missionline/internal/domain"
	"missionline/internal/engine"
)

type SubtaskPath struct {
	MissionID string `path:"mission_id"`
	SubtaskID string `path:"subtask_id"`
}

type subtaskBody struct {
	Body domain.Subtask `json:"body"`
}

type subtasksBody struct {
	Body []domain.Subtask `json:"body"`
}

type blockerBody struct {
	Body domain.Blocker `json:"body"`
}

func registerCrew(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "init-crew",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/crew",
		Summary:     "Set up a crew mission's subtask graph and members",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body InitCrewRequest `json:"body"`
	}) (*missionBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.InitializeCrew(ctx, engine.CrewInitOptions{
			MissionID:  input.MissionID,
			ActorID:    actor,
			Subtasks:   toSubtasks(input.Body.Subtasks),
			Members:    input.Body.Members,
			MaxMembers: input.Body.MaxMembers,
			Lead:       input.Body.Lead,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-crew-member",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/crew/members",
		Summary:     "Add a crew member",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body AddMemberRequest `json:"body"`
	}) (*missionBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddCrewMember(ctx, input.MissionID, input.Body.AgentID, input.Body.Role, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-crew-member",
		Method:      http.MethodDelete,
		Path:        "/missions/{mission_id}/crew/members/{agent_id}",
		Summary:     "Remove a crew member and release their subtasks",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		AgentID string `path:"agent_id"`
	}) (*missionBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RemoveCrewMember(ctx, input.MissionID, input.AgentID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subtasks",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/subtasks",
		Summary:     "List subtasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionPath
		Available bool `query:"available" doc:"Only subtasks whose dependencies are complete"`
	}) (*subtasksBody, error) {
		var (
			items []domain.Subtask
			err   error
		)
		if input.Available {
			items, err = e.ListAvailableSubtasks(ctx, input.MissionID)
		} else {
			items, err = e.ListSubtasks(ctx, input.MissionID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &subtasksBody{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-subtask",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/subtasks/{subtask_id}/claim",
		Summary:     "Claim an available subtask",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		SubtaskPath
		Body *ClaimSubtaskRequest `json:"body,omitempty" required:"false"`
	}) (*subtaskBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		expected := domain.SubtaskAvailable
		if input.Body != nil && input.Body.ExpectedStatus != "" {
			expected = domain.SubtaskStatus(input.Body.ExpectedStatus)
		}
		st, err := e.ClaimSubtask(ctx, input.MissionID, input.SubtaskID, actor, expected)
		if err != nil {
			return nil, handleError(err)
		}
		return &subtaskBody{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-subtask",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/subtasks/{subtask_id}/start",
		Summary:     "Start a claimed subtask",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *SubtaskPath) (*subtaskBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.StartSubtask(ctx, input.MissionID, input.SubtaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &subtaskBody{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-subtask",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/subtasks/{subtask_id}/complete",
		Summary:     "Complete a subtask",
		Description: "Returns the subtasks this completion unblocked. The mission moves to verifying once every subtask is complete.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		SubtaskPath
		Body *CompleteSubtaskRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.CompleteResult `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var artifacts []domain.Artifact
		if input.Body != nil {
			artifacts = input.Body.Artifacts
		}
		res, err := e.CompleteSubtask(ctx, input.MissionID, input.SubtaskID, actor, artifacts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CompleteResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-blocker",
		Method:        http.MethodPost,
		Path:          "/missions/{mission_id}/subtasks/{subtask_id}/blockers",
		Summary:       "Report a blocker on a subtask",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		SubtaskPath
		Body AddBlockerRequest `json:"body"`
	}) (*blockerBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.AddBlocker(ctx, input.MissionID, input.SubtaskID, input.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &blockerBody{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-blocker",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/blockers/{blocker_id}/resolve",
		Summary:     "Resolve a blocker",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		BlockerID string `path:"blocker_id"`
	}) (*blockerBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.ResolveBlocker(ctx, input.MissionID, input.BlockerID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &blockerBody{Body: b}, nil
	})
}
