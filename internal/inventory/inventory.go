// Package inventory lists container workloads across a user's instances and
// annotates each with whether a newer upstream image is known.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/portward/portward/internal/logging"
	"github.com/portward/portward/internal/metrics"
	"github.com/portward/portward/internal/portainer"
	"github.com/portward/portward/internal/registry"
	"github.com/portward/portward/internal/store"
)

// ClientFactory builds an instance client from a stored instance and its
// opened credential. Swapped in tests.
type ClientFactory func(inst store.Instance, cred store.Credential) *portainer.Client

// DefaultClientFactory dials the instance's real URL.
func DefaultClientFactory(inst store.Instance, cred store.Credential) *portainer.Client {
	return portainer.NewClient(inst.URL, portainer.Credential{
		Kind:     inst.AuthKind,
		Username: cred.Username,
		Secret:   cred.Secret,
	})
}

// AnnotatedContainer is one container row as served by the inventory API.
type AnnotatedContainer struct {
	InstanceID    uint64 `json:"instanceId"`
	InstanceName  string `json:"instanceName"`
	EndpointID    int    `json:"endpointId"`
	EndpointName  string `json:"endpointName"`
	ContainerID   string `json:"containerId"`
	Name          string `json:"name"`
	Image         string `json:"image"`
	State         string `json:"state"`
	StackID       int    `json:"stackId,omitempty"`
	StackName     string `json:"stackName,omitempty"`
	Registry      string `json:"registry"`
	Repo          string `json:"repo"`
	Tag           string `json:"tag"`
	CurrentDigest string `json:"currentDigest,omitempty"`
	LatestVersion string `json:"latestVersion,omitempty"`
	HasUpdate     bool   `json:"hasUpdate"`
}

// UnusedImage is an image present on an endpoint with no container using it.
type UnusedImage struct {
	InstanceID   uint64   `json:"instanceId"`
	InstanceName string   `json:"instanceName"`
	EndpointID   int      `json:"endpointId"`
	ImageID      string   `json:"imageId"`
	RepoTags     []string `json:"repoTags"`
	Size         int64    `json:"size"`
}

// ImageDeleteResult reports one image removal attempt.
type ImageDeleteResult struct {
	ImageID string `json:"imageId"`
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// Service joins live container listings with cached upstream descriptors.
type Service struct {
	store     *store.Store
	log       *logging.Logger
	newClient ClientFactory
}

// NewService creates an inventory Service. factory may be nil to dial real
// instances.
func NewService(st *store.Store, log *logging.Logger, factory ClientFactory) *Service {
	if factory == nil {
		factory = DefaultClientFactory
	}
	return &Service{store: st, log: log, newClient: factory}
}

// ClientFor opens the instance's credential and builds a client for it.
func (s *Service) ClientFor(userID, instanceID uint64) (*portainer.Client, store.Instance, error) {
	inst, err := s.store.GetInstance(userID, instanceID)
	if err != nil {
		return nil, store.Instance{}, err
	}
	cred, err := s.store.CredentialsFor(userID, instanceID)
	if err != nil {
		return nil, store.Instance{}, err
	}
	return s.newClient(inst, cred), inst, nil
}

// ListContainers returns all containers across the user's instances,
// annotated with update status. An unreachable instance is logged and
// skipped; the rest of the inventory still comes back.
func (s *Service) ListContainers(ctx context.Context, userID uint64, onlyUpdates bool) ([]AnnotatedContainer, error) {
	instances, err := s.store.ListInstances(userID)
	if err != nil {
		return nil, err
	}

	out := []AnnotatedContainer{}
	for _, inst := range instances {
		rows, err := s.instanceContainers(ctx, userID, inst)
		if err != nil {
			s.log.Warn("skipping unreachable instance", "instance_id", inst.ID, "name", inst.Name, "error", err)
			continue
		}
		out = append(out, rows...)
	}

	pending := 0
	for _, row := range out {
		if row.HasUpdate {
			pending++
		}
	}
	metrics.ContainersTotal.Set(float64(len(out)))
	metrics.PendingUpdates.Set(float64(pending))

	if onlyUpdates {
		filtered := out[:0]
		for _, row := range out {
			if row.HasUpdate {
				filtered = append(filtered, row)
			}
		}
		out = filtered
	}
	return out, nil
}

func (s *Service) instanceContainers(ctx context.Context, userID uint64, inst store.Instance) ([]AnnotatedContainer, error) {
	cred, err := s.store.CredentialsFor(userID, inst.ID)
	if err != nil {
		return nil, err
	}
	scanner := portainer.NewScanner(s.newClient(inst, cred))

	endpoints, err := scanner.Endpoints(ctx)
	if err != nil {
		return nil, err
	}

	var out []AnnotatedContainer
	// Repo digests are per (endpoint, image ref); inspect each once.
	digests := map[string]string{}

	for _, ep := range endpoints {
		containers, err := scanner.EndpointContainers(ctx, ep)
		if err != nil {
			s.log.Warn("skipping endpoint", "instance_id", inst.ID, "endpoint_id", ep.ID, "error", err)
			continue
		}

		for _, c := range containers {
			if strings.HasPrefix(c.Image, "sha256:") {
				// Container started from a bare image ID; nothing to resolve.
				continue
			}
			coord := registry.ParseImage(c.Image)

			digestKey := fmt.Sprintf("%d::%s", ep.ID, c.Image)
			digest, seen := digests[digestKey]
			if !seen {
				digest = s.repoDigest(ctx, scanner.Client(), ep.ID, c.Image)
				digests[digestKey] = digest
			}

			row := AnnotatedContainer{
				InstanceID:    inst.ID,
				InstanceName:  inst.Name,
				EndpointID:    ep.ID,
				EndpointName:  ep.Name,
				ContainerID:   c.ID,
				Name:          c.Name,
				Image:         c.Image,
				State:         c.State,
				StackID:       c.StackID,
				StackName:     c.StackName,
				Registry:      coord.Registry,
				Repo:          coord.Repo,
				Tag:           coord.Tag,
				CurrentDigest: digest,
			}

			if err := s.store.PutDeployedImage(store.DeployedImage{
				InstanceID:        inst.ID,
				ImageRef:          c.Image,
				Registry:          coord.Registry,
				Repo:              coord.Repo,
				Tag:               coord.Tag,
				CurrentDigestFull: digest,
			}); err != nil {
				s.log.Warn("could not record deployed image", "image", c.Image, "error", err)
			}

			desc, err := s.store.GetLatestDescriptor(userID, store.SourceRegistry, coord.Repo+":"+coord.Tag)
			if err == nil {
				latest := &registry.Latest{
					Digest:      desc.Digest,
					Tag:         desc.Tag,
					ResolvedTag: desc.ResolvedTag,
				}
				row.LatestVersion = latest.Version()
				row.HasUpdate = registry.HasUpdate(digest, coord.Tag, latest)
			}

			out = append(out, row)
		}
	}
	return out, nil
}

// repoDigest inspects an image and returns its first repo digest, or "".
func (s *Service) repoDigest(ctx context.Context, client *portainer.Client, endpointID int, imageRef string) string {
	insp, err := client.InspectImage(ctx, endpointID, imageRef)
	if err != nil {
		s.log.Debug("image inspect failed", "image", imageRef, "error", err)
		return ""
	}
	if len(insp.RepoDigests) == 0 {
		return ""
	}
	return insp.RepoDigests[0]
}

// ListUnusedImages returns images on the user's endpoints that no container
// references.
func (s *Service) ListUnusedImages(ctx context.Context, userID uint64) ([]UnusedImage, error) {
	instances, err := s.store.ListInstances(userID)
	if err != nil {
		return nil, err
	}

	out := []UnusedImage{}
	for _, inst := range instances {
		cred, err := s.store.CredentialsFor(userID, inst.ID)
		if err != nil {
			continue
		}
		scanner := portainer.NewScanner(s.newClient(inst, cred))

		endpoints, err := scanner.Endpoints(ctx)
		if err != nil {
			s.log.Warn("skipping unreachable instance", "instance_id", inst.ID, "error", err)
			continue
		}

		for _, ep := range endpoints {
			containers, err := scanner.Client().ListContainers(ctx, ep.ID)
			if err != nil {
				continue
			}
			inUse := map[string]bool{}
			for _, c := range containers {
				inUse[c.ImageID] = true
			}

			images, err := scanner.Client().ListImages(ctx, ep.ID)
			if err != nil {
				continue
			}
			for _, img := range images {
				if inUse[img.ID] {
					continue
				}
				out = append(out, UnusedImage{
					InstanceID:   inst.ID,
					InstanceName: inst.Name,
					EndpointID:   ep.ID,
					ImageID:      img.ID,
					RepoTags:     img.RepoTags,
					Size:         img.Size,
				})
			}
		}
	}
	return out, nil
}

// DeleteImages removes the given images from one endpoint, continuing past
// per-image failures.
func (s *Service) DeleteImages(ctx context.Context, userID, instanceID uint64, endpointID int, imageIDs []string) ([]ImageDeleteResult, error) {
	client, _, err := s.ClientFor(userID, instanceID)
	if err != nil {
		return nil, err
	}

	results := make([]ImageDeleteResult, 0, len(imageIDs))
	for _, id := range imageIDs {
		res := ImageDeleteResult{ImageID: id, Deleted: true}
		if err := client.RemoveImage(ctx, endpointID, id); err != nil {
			res.Deleted = false
			res.Error = err.Error()
			s.log.Warn("image delete failed", "image_id", id, "endpoint_id", endpointID, "error", err)
		} else {
			metrics.ImageCleanups.Inc()
		}
		results = append(results, res)
	}
	return results, nil
}
