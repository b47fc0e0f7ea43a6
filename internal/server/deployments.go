package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"deployline/internal/deployment"
	"deployline/internal/engine"
	"deployline/internal/repo"
)

type deploymentPath struct {
	DeploymentID string `path:"deployment_id"`
}

type devicePath struct {
	DeploymentID string `path:"deployment_id"`
	RoleName     string `path:"role_name"`
}

type statusOutput struct {
	Body deployment.Status `json:"body"`
}

func registerDeployments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deployment",
		Method:        http.MethodPost,
		Path:          "/deployments",
		Summary:       "Create a study deployment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDeploymentRequest `json:"body"`
	}) (*statusOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		prereg := make(map[string]deployment.DeviceRegistration, len(input.Body.Preregistrations))
		for role, reg := range input.Body.Preregistrations {
			prereg[role] = reg.registration()
		}
		status, err := e.CreateDeployment(ctx, engine.CreateOptions{
			ID:               input.Body.ID,
			Blueprint:        input.Body.Protocol,
			Assignments:      input.Body.Assignments,
			Preregistrations: prereg,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deployments",
		Method:      http.MethodGet,
		Path:        "/deployments",
		Summary:     "List deployments, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedDeployments `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListDeployments(ctx, limit+1, cursorTS, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDeployments{Items: []DeploymentResponse{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		for _, d := range items {
			resp.Items = append(resp.Items, deploymentResponse(d))
		}
		return &struct {
			Body paginatedDeployments `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deployment-status-list",
		Method:      http.MethodPost,
		Path:        "/deployments/status",
		Summary:     "Get the status of several deployments",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body DeploymentIDsRequest `json:"body"`
	}) (*struct {
		Body statusList `json:"body"`
	}, error) {
		items, err := e.GetStatusList(ctx, input.Body.DeploymentIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body statusList `json:"body"`
		}{Body: statusList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-deployments",
		Method:      http.MethodDelete,
		Path:        "/deployments",
		Summary:     "Remove deployments",
		Description: "Unknown ids are ignored; the response lists the ids that were removed.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DeploymentIDsRequest `json:"body"`
	}) (*struct {
		Body removedDeployments `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		removed, err := e.RemoveDeployments(ctx, input.Body.DeploymentIDs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body removedDeployments `json:"body"`
		}{Body: removedDeployments{Removed: nonNilSlice(removed)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deployment-status",
		Method:      http.MethodGet,
		Path:        "/deployments/{deployment_id}",
		Summary:     "Get deployment status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *deploymentPath) (*statusOutput, error) {
		status, err := e.GetStatus(ctx, input.DeploymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-deployment",
		Method:      http.MethodPost,
		Path:        "/deployments/{deployment_id}/stop",
		Summary:     "Stop a deployment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *deploymentPath) (*statusOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := e.Stop(ctx, input.DeploymentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: status}, nil
	})
}

func registerDevices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "register-device",
		Method:      http.MethodPut,
		Path:        "/deployments/{deployment_id}/devices/{role_name}/registration",
		Summary:     "Register a device for a role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DeploymentID string              `path:"deployment_id"`
		RoleName     string              `path:"role_name"`
		Body         RegistrationRequest `json:"body"`
	}) (*statusOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := e.RegisterDevice(ctx, input.DeploymentID, input.RoleName, input.Body.registration(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unregister-device",
		Method:      http.MethodDelete,
		Path:        "/deployments/{deployment_id}/devices/{role_name}/registration",
		Summary:     "Unregister the device of a role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *devicePath) (*statusOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := e.UnregisterDevice(ctx, input.DeploymentID, input.RoleName, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-device-deployment",
		Method:      http.MethodGet,
		Path:        "/deployments/{deployment_id}/devices/{role_name}/package",
		Summary:     "Get the deployment package of a primary device",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *devicePath) (*struct {
		Body deployment.Package `json:"body"`
	}, error) {
		pkg, err := e.GetDeviceDeployment(ctx, input.DeploymentID, input.RoleName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body deployment.Package `json:"body"`
		}{Body: pkg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "device-deployed",
		Method:      http.MethodPost,
		Path:        "/deployments/{deployment_id}/devices/{role_name}/deployed",
		Summary:     "Confirm a device runs its deployment package",
		Description: "The stamp must match the current package; a stale stamp returns 412 with the current stamp in details.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusPreconditionFailed,
		},
	}, func(ctx context.Context, input *struct {
		DeploymentID string                `path:"deployment_id"`
		RoleName     string                `path:"role_name"`
		Body         DeviceDeployedRequest `json:"body"`
	}) (*statusOutput, error) {
		if strings.TrimSpace(input.Body.Stamp) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stamp is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := e.DeviceDeployed(ctx, input.DeploymentID, input.RoleName, input.Body.Stamp, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: status}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deployment-events",
		Method:      http.MethodGet,
		Path:        "/deployments/{deployment_id}/events",
		Summary:     "List deployment events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DeploymentID string `path:"deployment_id"`
		Type         string `query:"type"`
		RoleName     string `query:"role_name"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			DeploymentID: input.DeploymentID,
			Type:         input.Type,
			RoleName:     input.RoleName,
			Cursor:       cursorID,
			Limit:        limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
