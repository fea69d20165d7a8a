package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/portward/portward/internal/events"
	"github.com/portward/portward/internal/intent"
	"github.com/portward/portward/internal/inventory"
	"github.com/portward/portward/internal/locks"
	"github.com/portward/portward/internal/store"
)

// instanceGroup is one instance's slice of the inventory.
type instanceGroup struct {
	InstanceID   uint64                         `json:"instanceId"`
	InstanceName string                         `json:"instanceName"`
	Containers   []inventory.AnnotatedContainer `json:"containers"`
}

func (s *Server) apiListContainers(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	onlyUpdates := r.URL.Query().Get("onlyUpdates") == "true"

	containers, err := s.deps.Inv.ListContainers(r.Context(), user.ID, onlyUpdates)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	groups := []instanceGroup{}
	index := map[uint64]int{}
	for _, c := range containers {
		i, ok := index[c.InstanceID]
		if !ok {
			i = len(groups)
			index[c.InstanceID] = i
			groups = append(groups, instanceGroup{InstanceID: c.InstanceID, InstanceName: c.InstanceName})
		}
		groups[i].Containers = append(groups[i].Containers, c)
	}

	// Best effort; an unreachable endpoint should not fail the inventory.
	unusedCount := 0
	if unused, err := s.deps.Inv.ListUnusedImages(r.Context(), user.ID); err == nil {
		unusedCount = len(unused)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instances":        groups,
		"unusedImageCount": unusedCount,
	})
}

type upgradeRequest struct {
	InstanceID uint64 `json:"instanceId"`
	EndpointID int    `json:"endpointId"`
	NewImage   string `json:"newImage,omitempty"`
}

type upgradeResponse struct {
	ContainerID    string `json:"containerId"`
	Success        bool   `json:"success"`
	OldImage       string `json:"oldImage,omitempty"`
	NewImage       string `json:"newImage,omitempty"`
	NewContainerID string `json:"newContainerId,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) apiUpgradeContainer(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	containerID := r.PathValue("id")

	var req upgradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.InstanceID == 0 {
		writeError(w, http.StatusBadRequest, "instanceId is required")
		return
	}

	res := s.upgradeOne(r.Context(), user.ID, batchTarget{
		ContainerID: containerID,
		InstanceID:  req.InstanceID,
		EndpointID:  req.EndpointID,
		NewImage:    req.NewImage,
	})
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

type batchTarget struct {
	ContainerID string `json:"containerId"`
	InstanceID  uint64 `json:"instanceId"`
	EndpointID  int    `json:"endpointId"`
	NewImage    string `json:"newImage,omitempty"`
}

func (s *Server) apiBatchUpgrade(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var req struct {
		Containers []batchTarget `json:"containers"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Containers) == 0 {
		writeError(w, http.StatusBadRequest, "containers is required")
		return
	}

	results := make([]upgradeResponse, 0, len(req.Containers))
	for _, t := range req.Containers {
		results = append(results, s.upgradeOne(r.Context(), user.ID, t))
	}
	writeJSON(w, http.StatusOK, results)
}

// upgradeOne runs one manual upgrade under the container lock. It shares the
// lock namespace with intent executions so the two can never race on the
// same container.
func (s *Server) upgradeOne(ctx context.Context, userID uint64, t batchTarget) upgradeResponse {
	out := upgradeResponse{ContainerID: t.ContainerID}

	target := t.NewImage
	if target == "" {
		row, err := s.findContainer(ctx, userID, t.InstanceID, t.ContainerID)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		target = intent.TargetImage(row)
	}

	owner := fmt.Sprintf("manual:%d", userID)
	key := locks.Key{InstanceID: t.InstanceID, ContainerID: t.ContainerID}
	if !s.deps.Locks.Acquire(key, owner) {
		holder, _ := s.deps.Locks.Inspect(key)
		out.Error = "upgrade already in progress (held by " + holder.Owner + ")"
		return out
	}
	defer s.deps.Locks.Release(key, owner)

	client, _, err := s.deps.Inv.ClientFor(userID, t.InstanceID)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	res, err := s.deps.Upgrader.UpgradeOne(ctx, client, t.EndpointID, t.ContainerID, target)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	out.Success = true
	out.OldImage = res.OldImage
	out.NewImage = res.NewImage
	out.NewContainerID = res.NewContainerID
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(events.SSEEvent{
			Type: events.EventContainerUpgraded, UserID: userID,
			Message:   fmt.Sprintf("%s -> %s", res.OldImage, res.NewImage),
			Timestamp: s.deps.Now(),
		})
	}
	return out
}

func (s *Server) findContainer(ctx context.Context, userID, instanceID uint64, containerID string) (inventory.AnnotatedContainer, error) {
	containers, err := s.deps.Inv.ListContainers(ctx, userID, false)
	if err != nil {
		return inventory.AnnotatedContainer{}, err
	}
	for _, c := range containers {
		if c.InstanceID == instanceID && c.ContainerID == containerID {
			return c, nil
		}
	}
	return inventory.AnnotatedContainer{}, store.ErrNotFound
}

func (s *Server) apiUnusedImages(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	images, err := s.deps.Inv.ListUnusedImages(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, images)
}

func (s *Server) apiDeleteImages(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var req struct {
		InstanceID uint64   `json:"instanceId"`
		EndpointID int      `json:"endpointId"`
		ImageIDs   []string `json:"imageIds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.InstanceID == 0 || len(req.ImageIDs) == 0 {
		writeError(w, http.StatusBadRequest, "instanceId and imageIds are required")
		return
	}

	// Repeated IDs would delete once and then report spurious failures.
	seen := make(map[string]bool, len(req.ImageIDs))
	ids := req.ImageIDs[:0]
	for _, id := range req.ImageIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	results, err := s.deps.Inv.DeleteImages(r.Context(), user.ID, req.InstanceID, req.EndpointID, ids)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
