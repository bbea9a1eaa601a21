// Package ebs talks to the snapshot/volume provider. Every
// asynchronous provider operation is exposed as a synchronous blocking
// call: the create/attach/detach/delete methods poll the provider
// through SDK waiters before returning, so pipeline code never sees
// half-provisioned resources.
package ebs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"s2b/internal/fault"
	"s2b/internal/tag"
)

const (
	volumeReadyTimeout  = 10 * time.Minute
	volumeDeleteTimeout = 5 * time.Minute
	attachTimeout       = 5 * time.Minute
)

// API is the subset of the EC2 client the service uses. The SDK
// paginators and waiters accept it as-is.
type API interface {
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(ctx context.Context, params *ec2.DetachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
}

// Identity describes the instance this process runs on. Volumes are
// created in its availability zone and attached to it.
type Identity struct {
	InstanceID       string
	Region           string
	AvailabilityZone string
}

// Snapshot is the provider-owned entity a backup run processes.
type Snapshot struct {
	ID      string
	Name    string
	Created time.Time
	// SizeGiB is the source volume size in GiB.
	SizeGiB int32
	Status  tag.Status
}

// Options configure the volumes this service creates.
type Options struct {
	TagKey     string
	VolumeType types.VolumeType
	// Iops and Throughput are passed through only when non-zero;
	// validity per volume type is checked at configuration time.
	Iops       int32
	Throughput int32
}

type Service struct {
	client   API
	identity Identity
	opts     Options
}

// New builds a service against the real provider, resolving the
// instance identity from the metadata service and pinning the client
// to the instance's region.
func New(ctx context.Context, maxRetryAttempts int, opts Options) (*Service, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	if maxRetryAttempts > 0 {
		configOpts = append(configOpts,
			awsconfig.WithRetryMaxAttempts(maxRetryAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	doc, err := imds.NewFromConfig(cfg).GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return nil, fmt.Errorf("not running on an EC2 instance: %w", err)
	}
	identity := Identity{
		InstanceID:       doc.InstanceID,
		Region:           doc.Region,
		AvailabilityZone: doc.AvailabilityZone,
	}
	cfg.Region = identity.Region
	slog.Info("Resolved instance identity", "instance", identity.InstanceID, "az", identity.AvailabilityZone)

	return NewService(ec2.NewFromConfig(cfg), identity, opts), nil
}

// NewService wires an explicit client and identity; tests use it with
// a fake API.
func NewService(client API, identity Identity, opts Options) *Service {
	return &Service{client: client, identity: identity, opts: opts}
}

func (s *Service) Identity() Identity {
	return s.identity
}

// Snapshots lists every snapshot carrying the migration tag, in any
// state. Callers filter on Status.
func (s *Service) Snapshots(ctx context.Context) ([]Snapshot, error) {
	input := &ec2.DescribeSnapshotsInput{
		OwnerIds: []string{"self"},
		Filters: []types.Filter{{
			Name:   aws.String("tag-key"),
			Values: []string{s.opts.TagKey},
		}},
	}

	var snapshots []Snapshot
	paginator := ec2.NewDescribeSnapshotsPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", fault.FromProvider(err))
		}
		for _, snap := range page.Snapshots {
			parsed, err := s.fromProviderSnapshot(snap)
			if err != nil {
				slog.Warn("Skipping snapshot with unusable tag", "snapshot", aws.ToString(snap.SnapshotId), "error", err)
				continue
			}
			snapshots = append(snapshots, parsed)
		}
	}
	return snapshots, nil
}

func (s *Service) fromProviderSnapshot(snap types.Snapshot) (Snapshot, error) {
	out := Snapshot{
		ID:      aws.ToString(snap.SnapshotId),
		Created: aws.ToTime(snap.StartTime),
		SizeGiB: aws.ToInt32(snap.VolumeSize),
	}
	var tagValue string
	for _, t := range snap.Tags {
		switch aws.ToString(t.Key) {
		case s.opts.TagKey:
			tagValue = aws.ToString(t.Value)
		case "Name":
			out.Name = aws.ToString(t.Value)
		}
	}
	if out.Name == "" {
		out.Name = out.ID
	}
	status, err := tag.Parse(tagValue)
	if err != nil {
		return Snapshot{}, err
	}
	out.Status = status
	return out, nil
}

// CreateVolumeFromSnapshot provisions a volume holding the snapshot's
// contents and blocks until the provider reports it usable. A volume
// that never becomes ready is deleted before the error is returned.
func (s *Service) CreateVolumeFromSnapshot(ctx context.Context, snap Snapshot) (string, error) {
	input := s.createInput()
	input.SnapshotId = aws.String(snap.ID)
	input.TagSpecifications = s.volumeTags("created", "snap-to-bucket-"+snap.ID)

	return s.createAndWait(ctx, input)
}

// CreateEmptyVolume provisions a blank volume of the given size and
// blocks until it is usable.
func (s *Service) CreateEmptyVolume(ctx context.Context, sizeGiB int32) (string, error) {
	if sizeGiB < 1 {
		sizeGiB = 1
	}
	input := s.createInput()
	input.Size = aws.Int32(sizeGiB)
	input.TagSpecifications = s.volumeTags("restore-volume",
		"snap-to-bucket-"+time.Now().Format("2006-01-02_15-04-05"))

	return s.createAndWait(ctx, input)
}

func (s *Service) createInput() *ec2.CreateVolumeInput {
	input := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(s.identity.AvailabilityZone),
		Encrypted:        aws.Bool(false),
		VolumeType:       s.opts.VolumeType,
	}
	if s.opts.Iops > 0 {
		input.Iops = aws.Int32(s.opts.Iops)
	}
	if s.opts.Throughput > 0 {
		input.Throughput = aws.Int32(s.opts.Throughput)
	}
	return input
}

func (s *Service) volumeTags(state, name string) []types.TagSpecification {
	tags := []types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}}
	// The provider rejects zero-length tag keys.
	if s.opts.TagKey != "" {
		tags = append(tags, types.Tag{
			Key:   aws.String(s.opts.TagKey),
			Value: aws.String(state),
		})
	}
	return []types.TagSpecification{{
		ResourceType: types.ResourceTypeVolume,
		Tags:         tags,
	}}
}

func (s *Service) createAndWait(ctx context.Context, input *ec2.CreateVolumeInput) (string, error) {
	out, err := s.client.CreateVolume(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to create volume: %w", fault.FromProvider(err))
	}
	volumeID := aws.ToString(out.VolumeId)
	slog.Info("Volume created", "volume", volumeID)

	waiter := ec2.NewVolumeAvailableWaiter(s.client)
	if err := waiter.Wait(ctx, describeVolume(volumeID), volumeReadyTimeout); err != nil {
		slog.Error("Volume never became available, deleting it", "volume", volumeID, "error", err)
		if delErr := s.Delete(context.WithoutCancel(ctx), volumeID); delErr != nil {
			slog.Warn("Failed to delete unusable volume", "volume", volumeID, "error", delErr)
		}
		return "", fmt.Errorf("volume %s did not become available: %w", volumeID, err)
	}
	return volumeID, nil
}

// Attach binds the volume to this instance at the given device slot
// and blocks until the provider reports it in use.
func (s *Service) Attach(ctx context.Context, volumeID, device string) error {
	_, err := s.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(device),
		InstanceId: aws.String(s.identity.InstanceID),
		VolumeId:   aws.String(volumeID),
	})
	if err != nil {
		return fmt.Errorf("failed to attach volume %s at %s: %w", volumeID, device, fault.FromProvider(err))
	}

	waiter := ec2.NewVolumeInUseWaiter(s.client)
	if err := waiter.Wait(ctx, describeVolume(volumeID), attachTimeout); err != nil {
		return fmt.Errorf("volume %s did not attach: %w", volumeID, err)
	}
	slog.Info("Volume attached", "volume", volumeID, "instance", s.identity.InstanceID, "device", device)
	return nil
}

// Detach releases the attachment and blocks until the volume is
// available again.
func (s *Service) Detach(ctx context.Context, volumeID string) error {
	_, err := s.client.DetachVolume(ctx, &ec2.DetachVolumeInput{
		VolumeId: aws.String(volumeID),
		Force:    aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to detach volume %s: %w", volumeID, fault.FromProvider(err))
	}

	waiter := ec2.NewVolumeAvailableWaiter(s.client)
	if err := waiter.Wait(ctx, describeVolume(volumeID), attachTimeout); err != nil {
		return fmt.Errorf("volume %s did not detach: %w", volumeID, err)
	}
	slog.Info("Volume detached", "volume", volumeID)
	return nil
}

// Delete destroys the volume. Deletion racing with detachment
// propagation is expected, so transient refusals are retried with
// backoff before the deleted state is awaited.
func (s *Service) Delete(ctx context.Context, volumeID string) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			_, err := s.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)})
			return fault.FromProvider(err)
		},
		IsFatalError: func(err error) bool { return !fault.IsTransient(err) },
		NotifyFunc: func(err error, attempt int) {
			slog.Warn("Volume deletion refused, retrying", "volume", volumeID, "attempt", attempt, "error", err)
		},
		Attempts:    8,
		Delay:       4 * time.Second,
		MaxDelay:    time.Minute,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return fmt.Errorf("failed to delete volume %s: %w", volumeID, retry.LastError(err))
	}

	waiter := ec2.NewVolumeDeletedWaiter(s.client)
	if err := waiter.Wait(ctx, describeVolume(volumeID), volumeDeleteTimeout); err != nil {
		return fmt.Errorf("volume %s was not confirmed deleted: %w", volumeID, err)
	}
	slog.Info("Volume deleted", "volume", volumeID)
	return nil
}

// SetSnapshotStatus moves the snapshot's migration tag through the
// state machine. Illegal transitions are rejected before the provider
// is called.
func (s *Service) SetSnapshotStatus(ctx context.Context, snap Snapshot, to tag.Status) error {
	if !tag.CanTransition(snap.Status, to) {
		return fmt.Errorf("illegal tag transition %q -> %q for snapshot %s", snap.Status, to, snap.ID)
	}
	_, err := s.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{snap.ID},
		Tags: []types.Tag{{
			Key:   aws.String(s.opts.TagKey),
			Value: aws.String(to.String()),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to update tag on snapshot %s: %w", snap.ID, fault.FromProvider(err))
	}
	slog.Info("Snapshot tag updated", "snapshot", snap.ID, "status", to)
	return nil
}

// DeleteSnapshot removes the source snapshot; only called after a
// confirmed transfer when the operator opted in.
func (s *Service) DeleteSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(snap.ID)})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", snap.ID, fault.FromProvider(err))
	}
	slog.Info("Snapshot deleted", "snapshot", snap.ID)
	return nil
}

func describeVolume(volumeID string) *ec2.DescribeVolumesInput {
	return &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}}
}
