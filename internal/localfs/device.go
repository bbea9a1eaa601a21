// Package localfs drives the local block-device and filesystem
// tooling: device discovery by volume serial, partitioning,
// formatting, mounting and tar streaming. Everything shells out to the
// standard utilities, mirroring what an operator would run by hand.
package localfs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"s2b/internal/fault"
)

const deviceWaitTimeout = 2 * time.Minute

// Device is one locally visible block device backed by an attached
// volume.
type Device struct {
	// Raw is the whole-disk node, the partitioning target.
	Raw string
	// Mountable is the first partition when one exists, otherwise the
	// raw node. Further partitions are ignored: only the first
	// partition of a volume is ever processed.
	Mountable string
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Serial     string        `json:"serial"`
	Mountpoint *string       `json:"mountpoint"`
	Children   []lsblkDevice `json:"children"`
}

type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type FS struct{}

func New() *FS {
	return &FS{}
}

// settle gives the kernel a chance to surface partition tables after
// attach or repartition. Failures are ignored; the subsequent lookup
// decides whether the device is really there.
func settle(ctx context.Context) {
	_ = exec.CommandContext(ctx, "partprobe").Run()
	_ = exec.CommandContext(ctx, "udevadm", "settle").Run()
}

func lookupDevice(ctx context.Context, volumeID string) (Device, error) {
	out, err := exec.CommandContext(ctx, "lsblk", "--json", "--output", "NAME,SERIAL,MOUNTPOINT").Output()
	if err != nil {
		return Device{}, fmt.Errorf("lsblk failed: %w", err)
	}
	var listing lsblkOutput
	if err := json.Unmarshal(out, &listing); err != nil {
		return Device{}, fmt.Errorf("failed to parse lsblk output: %w", err)
	}

	// EBS exposes the volume id, dashes stripped, as the serial.
	serial := strings.ReplaceAll(volumeID, "-", "")
	for _, dev := range listing.Blockdevices {
		if dev.Serial != serial {
			continue
		}
		d := Device{Raw: "/dev/" + dev.Name, Mountable: "/dev/" + dev.Name}
		if len(dev.Children) > 0 {
			d.Mountable = "/dev/" + dev.Children[0].Name
		}
		return d, nil
	}
	return Device{}, fmt.Errorf("no block device with serial %s", serial)
}

// WaitDevice blocks until the attached volume is visible locally and
// returns its mountable partition node.
func (f *FS) WaitDevice(ctx context.Context, volumeID string) (string, error) {
	d, err := f.waitLookup(ctx, volumeID)
	if err != nil {
		return "", err
	}
	return d.Mountable, nil
}

// WaitRawDevice is WaitDevice for the whole-disk node, used before
// partitioning a fresh volume.
func (f *FS) WaitRawDevice(ctx context.Context, volumeID string) (string, error) {
	d, err := f.waitLookup(ctx, volumeID)
	if err != nil {
		return "", err
	}
	return d.Raw, nil
}

func (f *FS) waitLookup(ctx context.Context, volumeID string) (Device, error) {
	var device Device
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			settle(ctx)
			d, err := lookupDevice(ctx, volumeID)
			if err != nil {
				return err
			}
			device = d
			return nil
		},
		Attempts:    20,
		Delay:       3 * time.Second,
		MaxDuration: deviceWaitTimeout,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return Device{}, fmt.Errorf("device for volume %s did not appear: %w", volumeID, retry.LastError(err))
	}
	return device, nil
}

// WaitDeviceGone blocks until the detached volume's device node has
// disappeared locally.
func (f *FS) WaitDeviceGone(ctx context.Context, volumeID string) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			settle(ctx)
			if _, err := lookupDevice(ctx, volumeID); err == nil {
				return fmt.Errorf("device for volume %s still present", volumeID)
			}
			return nil
		},
		Attempts:    20,
		Delay:       3 * time.Second,
		MaxDuration: deviceWaitTimeout,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return fault.Wrap(fault.Busy, retry.LastError(err))
	}
	slog.Debug("Device gone", "volume", volumeID)
	return nil
}
