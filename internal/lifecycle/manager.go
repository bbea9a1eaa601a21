package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
)

// Volumes is the provider capability the manager needs to undo volume
// acquisitions.
type Volumes interface {
	Attach(ctx context.Context, volumeID, device string) error
	Detach(ctx context.Context, volumeID string) error
	Delete(ctx context.Context, volumeID string) error
}

// Mounter is the local-OS capability for device and mount handling.
type Mounter interface {
	// WaitDevice blocks until the attached volume's block device is
	// visible locally and returns the mountable partition node.
	WaitDevice(ctx context.Context, volumeID string) (string, error)
	WaitDeviceGone(ctx context.Context, volumeID string) error
	Mount(ctx context.Context, device, dir string) error
	Unmount(ctx context.Context, dir string) error
}

// Manager couples resource acquisition with its guaranteed release:
// each Acquire pushes the matching release onto the run's stack before
// returning, so there is no window in which a resource exists without
// a registered way to destroy it.
type Manager struct {
	volumes Volumes
	mounts  Mounter
	slots   *Slots
}

func NewManager(volumes Volumes, mounts Mounter, slots *Slots) *Manager {
	return &Manager{volumes: volumes, mounts: mounts, slots: slots}
}

// AcquireVolume provisions a volume through create and registers its
// deletion. The returned release handle lets the restore pipeline keep
// the volume on success.
func (m *Manager) AcquireVolume(ctx context.Context, stack *Stack, create func(context.Context) (string, error)) (string, *Release, error) {
	volumeID, err := create(ctx)
	if err != nil {
		return "", nil, err
	}
	rel := stack.Push("volume "+volumeID, func(ctx context.Context) error {
		return m.volumes.Delete(ctx, volumeID)
	})
	return volumeID, rel, nil
}

// AcquireAttachment allocates a device slot, attaches the volume there
// and waits for the local device node. Its release detaches, waits for
// the node to disappear and frees the slot.
func (m *Manager) AcquireAttachment(ctx context.Context, stack *Stack, volumeID string) (string, error) {
	slot, err := m.slots.Acquire()
	if err != nil {
		return "", err
	}
	stack.Push("device slot "+slot, func(context.Context) error {
		m.slots.Free(slot)
		return nil
	})

	if err := m.volumes.Attach(ctx, volumeID, slot); err != nil {
		return "", err
	}
	stack.Push("attachment of "+volumeID, func(ctx context.Context) error {
		if err := m.volumes.Detach(ctx, volumeID); err != nil {
			return err
		}
		return m.mounts.WaitDeviceGone(ctx, volumeID)
	})

	device, err := m.mounts.WaitDevice(ctx, volumeID)
	if err != nil {
		return "", fmt.Errorf("attached volume %s never appeared locally: %w", volumeID, err)
	}
	slog.Info("Attachment ready", "volume", volumeID, "slot", slot, "device", device)
	return device, nil
}

// AcquireMount mounts a device partition at dir (created if absent)
// and registers the unmount.
func (m *Manager) AcquireMount(ctx context.Context, stack *Stack, device, dir string) error {
	if err := m.mounts.Mount(ctx, device, dir); err != nil {
		return err
	}
	stack.Push("mount at "+dir, func(ctx context.Context) error {
		return m.mounts.Unmount(ctx, dir)
	})
	return nil
}
