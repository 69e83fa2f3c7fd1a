// Package docker adapts the Docker Engine API to the runtime ports.
// The daemon shares storage across tenants with no per-user
// accounting; this adapter only observes inventory and events and
// exposes the narrow stop/remove control surface enforcement needs.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

// Options bound every engine call. Streaming and mutation calls must
// never be awaited indefinitely.
type Options struct {
	// CallTimeout bounds inventory and inspect calls.
	CallTimeout time.Duration

	// StopTimeout is the grace period passed to the engine when
	// stopping a container.
	StopTimeout time.Duration
}

// DefaultOptions matches the engine's own tolerances: API calls can
// take close to a minute under load.
func DefaultOptions() Options {
	return Options{
		CallTimeout: 90 * time.Second,
		StopTimeout: 60 * time.Second,
	}
}

// Runtime implements the runtime ports against a Docker Engine.
type Runtime struct {
	cli    client.APIClient
	opts   Options
	logger *logrus.Logger
}

// New connects to the engine using the standard environment
// (DOCKER_HOST etc.) and negotiates the API version.
func New(opts Options, logger *logrus.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker engine: %w", err)
	}
	return NewWithClient(cli, opts, logger), nil
}

// NewWithClient wraps an existing API client.
func NewWithClient(cli client.APIClient, opts Options, logger *logrus.Logger) *Runtime {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultOptions().CallTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultOptions().StopTimeout
	}
	return &Runtime{cli: cli, opts: opts, logger: logger}
}

var (
	_ ports.RuntimeInventory = (*Runtime)(nil)
	_ ports.RuntimeEvents    = (*Runtime)(nil)
	_ ports.RuntimeControl   = (*Runtime)(nil)
)

// Ping verifies the control plane is reachable. Enforcement refuses to
// start without it.
func (r *Runtime) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker engine: %w", err)
	}
	return nil
}

// Inventory lists containers (with writable-layer sizes), images with
// their layers, and volumes with usage sizes.
func (r *Runtime) Inventory(ctx context.Context) (domain.Inventory, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	inv := domain.Inventory{DataRoot: "/var/lib/docker"}
	if info, err := r.cli.Info(ctx); err == nil && info.DockerRootDir != "" {
		inv.DataRoot = info.DockerRootDir
	} else if err != nil {
		r.logger.WithError(err).Warn("could not read docker data root, using default")
	}

	containers, err := r.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Size: true})
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		dc := domain.Container{
			ID:        c.ID,
			ImageID:   c.ImageID,
			SizeBytes: c.SizeRw,
			CreatedAt: time.Unix(c.Created, 0),
			Labels:    c.Labels,
		}
		for _, m := range c.Mounts {
			if m.Type == mount.TypeVolume && m.Name != "" {
				dc.Volumes = append(dc.Volumes, m.Name)
			}
		}
		inv.Containers = append(inv.Containers, dc)
	}

	images, err := r.cli.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("list images: %w", err)
	}
	for _, img := range images {
		di := domain.Image{
			ID:        img.ID,
			SizeBytes: img.Size,
			CreatedAt: time.Unix(img.Created, 0),
		}
		layers, err := r.imageLayers(ctx, img.ID)
		if err != nil {
			// Layers are best-effort: an image can disappear between
			// the list and the inspect.
			r.logger.WithError(err).WithField("image", short(img.ID)).Warn("could not inspect image layers")
		}
		di.Layers = layers
		inv.Images = append(inv.Images, di)
	}

	volumes, err := r.volumeSizes(ctx)
	if err != nil {
		return domain.Inventory{}, err
	}
	inv.Volumes = volumes

	return inv, nil
}

// imageLayers pairs RootFS layer IDs (oldest first) with the
// incremental sizes from image history, which the engine reports
// newest first.
func (r *Runtime) imageLayers(ctx context.Context, imageID string) ([]domain.Layer, error) {
	inspect, _, err := r.cli.ImageInspectWithRaw(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("inspect image: %w", err)
	}
	layerIDs := inspect.RootFS.Layers
	if len(layerIDs) == 0 {
		return nil, nil
	}
	history, err := r.cli.ImageHistory(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("image history: %w", err)
	}
	sizes := make([]int64, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		sizes = append(sizes, history[i].Size)
	}
	layers := make([]domain.Layer, 0, len(layerIDs))
	for i, id := range layerIDs {
		l := domain.Layer{ID: id}
		if i < len(sizes) {
			l.SizeBytes = sizes[i]
		}
		layers = append(layers, l)
	}
	return layers, nil
}

// volumeSizes comes from the disk-usage endpoint; the plain volume
// list does not report usage.
func (r *Runtime) volumeSizes(ctx context.Context) ([]domain.Volume, error) {
	du, err := r.cli.DiskUsage(ctx, types.DiskUsageOptions{
		Types: []types.DiskUsageObject{types.VolumeObject},
	})
	if err != nil {
		return nil, fmt.Errorf("disk usage: %w", err)
	}
	labels := make(map[string]map[string]string)
	if list, err := r.cli.VolumeList(ctx, volume.ListOptions{}); err == nil {
		for _, v := range list.Volumes {
			if v != nil {
				labels[v.Name] = v.Labels
			}
		}
	}
	var out []domain.Volume
	for _, v := range du.Volumes {
		if v == nil {
			continue
		}
		dv := domain.Volume{Name: v.Name, Labels: labels[v.Name]}
		if dv.Labels == nil {
			dv.Labels = v.Labels
		}
		if v.UsageData != nil && v.UsageData.Size > 0 {
			dv.SizeBytes = v.UsageData.Size
		}
		out = append(out, dv)
	}
	return out, nil
}

// CollectSince drains the event stream from the cursor until maxWait
// elapses or maxCount events arrive. The stream is unbounded; both
// limits always apply.
func (r *Runtime) CollectSince(ctx context.Context, cursorNano int64, maxWait time.Duration, maxCount int) ([]domain.RuntimeEvent, int64, error) {
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	if maxCount <= 0 {
		maxCount = 500
	}
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	since := "0"
	if cursorNano > 0 {
		since = fmt.Sprintf("%d.%09d", cursorNano/int64(time.Second), cursorNano%int64(time.Second))
	}
	f := filters.NewArgs()
	f.Add("type", "container")
	f.Add("type", "image")
	msgs, errs := r.cli.Events(ctx, types.EventsOptions{Since: since, Filters: f})

	var out []domain.RuntimeEvent
	newCursor := cursorNano
	for {
		select {
		case msg := <-msgs:
			ev, ok := r.toEvent(ctx, msg.Type, msg.Action, msg.Actor.ID, msg.TimeNano)
			if ok {
				out = append(out, ev)
				if ev.TimestampNano > newCursor {
					newCursor = ev.TimestampNano
				}
			} else if msg.TimeNano > newCursor {
				// Unknown actions still advance the cursor so they are
				// not refetched forever.
				newCursor = msg.TimeNano
			}
			if len(out) >= maxCount {
				return out, newCursor, nil
			}
		case err := <-errs:
			if err == nil || ctx.Err() != nil {
				return out, newCursor, nil
			}
			// The stream closing early is a degraded source, not a
			// cycle-fatal error.
			r.logger.WithError(err).Warn("docker event stream ended")
			return out, newCursor, nil
		case <-ctx.Done():
			return out, newCursor, nil
		}
	}
}

func (r *Runtime) toEvent(ctx context.Context, typ, rawAction, actorID string, timeNano int64) (domain.RuntimeEvent, bool) {
	action, known := domain.KnownAction(rawAction)
	if !known {
		return domain.RuntimeEvent{}, false
	}
	var kind domain.ResourceKind
	switch typ {
	case "container":
		kind = domain.KindContainer
	case "image":
		kind = domain.KindImage
	default:
		return domain.RuntimeEvent{}, false
	}
	id := actorID
	if kind == domain.KindImage {
		// Image events carry name:tag while the ledger keys on the
		// canonical sha256 ID; resolve when the image still exists.
		if resolved, err := r.resolveImageID(ctx, actorID); err == nil {
			id = resolved
		}
	}
	return domain.RuntimeEvent{Kind: kind, ID: id, Action: action, TimestampNano: timeNano}, true
}

func (r *Runtime) resolveImageID(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty image reference")
	}
	if len(ref) > 7 && ref[:7] == "sha256:" {
		return ref, nil
	}
	inspect, _, err := r.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve image %q: %w", ref, err)
	}
	return inspect.ID, nil
}

// StopContainer stops with the configured grace period. A container
// that is already stopped or gone is success.
func (r *Runtime) StopContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	secs := int(r.opts.StopTimeout / time.Second)
	err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stop container %s: %w", short(id), err)
	}
	return nil
}

// RemoveContainer force-removes. Removing an already-removed container
// is success.
func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	err := r.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", short(id), err)
	}
	return nil
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
