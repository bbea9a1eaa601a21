package ebs

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s2b/internal/tag"
)

type fakeAPI struct {
	API

	snapshotPages    []*ec2.DescribeSnapshotsOutput
	page             int
	describedFilters []types.Filter

	taggedResources []string
	taggedValues    []string

	createInputs []*ec2.CreateVolumeInput

	deletedSnapshots []string
}

func (f *fakeAPI) DescribeSnapshots(_ context.Context, params *ec2.DescribeSnapshotsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	f.describedFilters = params.Filters
	out := f.snapshotPages[f.page]
	f.page++
	return out, nil
}

func (f *fakeAPI) CreateTags(_ context.Context, params *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.taggedResources = append(f.taggedResources, params.Resources...)
	for _, t := range params.Tags {
		f.taggedValues = append(f.taggedValues, aws.ToString(t.Value))
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeAPI) CreateVolume(_ context.Context, params *ec2.CreateVolumeInput, _ ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	f.createInputs = append(f.createInputs, params)
	return &ec2.CreateVolumeOutput{VolumeId: aws.String("vol-new")}, nil
}

func (f *fakeAPI) DescribeVolumes(_ context.Context, params *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	return &ec2.DescribeVolumesOutput{
		Volumes: []types.Volume{{
			VolumeId: aws.String(params.VolumeIds[0]),
			State:    types.VolumeStateAvailable,
		}},
	}, nil
}

func (f *fakeAPI) DeleteSnapshot(_ context.Context, params *ec2.DeleteSnapshotInput, _ ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	f.deletedSnapshots = append(f.deletedSnapshots, aws.ToString(params.SnapshotId))
	return &ec2.DeleteSnapshotOutput{}, nil
}

func testService(client API) *Service {
	return NewService(client, Identity{
		InstanceID:       "i-0abc",
		Region:           "eu-west-1",
		AvailabilityZone: "eu-west-1a",
	}, Options{TagKey: "snap-to-bucket", VolumeType: types.VolumeTypeGp2})
}

func providerSnapshot(id, name, tagValue string) types.Snapshot {
	snap := types.Snapshot{
		SnapshotId: aws.String(id),
		StartTime:  aws.Time(time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)),
		VolumeSize: aws.Int32(8),
		Tags: []types.Tag{
			{Key: aws.String("snap-to-bucket"), Value: aws.String(tagValue)},
		},
	}
	if name != "" {
		snap.Tags = append(snap.Tags, types.Tag{Key: aws.String("Name"), Value: aws.String(name)})
	}
	return snap
}

func TestSnapshots(t *testing.T) {
	api := &fakeAPI{
		snapshotPages: []*ec2.DescribeSnapshotsOutput{
			{
				Snapshots: []types.Snapshot{
					providerSnapshot("snap-1", "data disk", "migrate"),
					providerSnapshot("snap-2", "", "transferred"),
				},
				NextToken: aws.String("next"),
			},
			{
				Snapshots: []types.Snapshot{
					providerSnapshot("snap-3", "web", "migrated"),
				},
			},
		},
	}
	svc := testService(api)

	snapshots, err := svc.Snapshots(context.Background())
	require.NoError(t, err)

	// The typo'd tag value on snap-3 is skipped, not treated as
	// eligible or fatal.
	require.Len(t, snapshots, 2)

	assert.Equal(t, "snap-1", snapshots[0].ID)
	assert.Equal(t, "data disk", snapshots[0].Name)
	assert.Equal(t, tag.Migrate, snapshots[0].Status)
	assert.Equal(t, int32(8), snapshots[0].SizeGiB)

	// A snapshot without a Name tag falls back to its id.
	assert.Equal(t, "snap-2", snapshots[1].Name)
	assert.Equal(t, tag.Transferred, snapshots[1].Status)

	require.Len(t, api.describedFilters, 1)
	assert.Equal(t, "tag-key", aws.ToString(api.describedFilters[0].Name))
	assert.Equal(t, []string{"snap-to-bucket"}, api.describedFilters[0].Values)
}

func TestSetSnapshotStatus(t *testing.T) {
	t.Run("legal transition updates the tag", func(t *testing.T) {
		api := &fakeAPI{}
		svc := testService(api)
		snap := Snapshot{ID: "snap-1", Status: tag.Migrate}

		require.NoError(t, svc.SetSnapshotStatus(context.Background(), snap, tag.Transferred))
		assert.Equal(t, []string{"snap-1"}, api.taggedResources)
		assert.Equal(t, []string{"transferred"}, api.taggedValues)
	})

	t.Run("illegal transitions never reach the provider", func(t *testing.T) {
		api := &fakeAPI{}
		svc := testService(api)

		tests := []struct {
			name string
			from tag.Status
			to   tag.Status
		}{
			{"backwards", tag.Transferred, tag.Migrate},
			{"repeat", tag.Transferred, tag.Transferred},
			{"skip", tag.None, tag.Transferred},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				snap := Snapshot{ID: "snap-1", Status: tt.from}
				err := svc.SetSnapshotStatus(context.Background(), snap, tt.to)
				assert.ErrorContains(t, err, "illegal tag transition")
			})
		}
		assert.Empty(t, api.taggedResources)
	})
}

func volumeTagMap(t *testing.T, input *ec2.CreateVolumeInput) map[string]string {
	t.Helper()
	require.Len(t, input.TagSpecifications, 1)
	assert.Equal(t, types.ResourceTypeVolume, input.TagSpecifications[0].ResourceType)

	tags := map[string]string{}
	for _, tg := range input.TagSpecifications[0].Tags {
		key := aws.ToString(tg.Key)
		// The provider rejects zero-length tag keys outright.
		require.NotEmpty(t, key)
		tags[key] = aws.ToString(tg.Value)
	}
	return tags
}

func TestCreateVolumeTagging(t *testing.T) {
	t.Run("snapshot volume is tagged created", func(t *testing.T) {
		api := &fakeAPI{}
		svc := testService(api)

		id, err := svc.CreateVolumeFromSnapshot(context.Background(), Snapshot{ID: "snap-1"})
		require.NoError(t, err)
		assert.Equal(t, "vol-new", id)

		require.Len(t, api.createInputs, 1)
		input := api.createInputs[0]
		assert.Equal(t, "snap-1", aws.ToString(input.SnapshotId))

		tags := volumeTagMap(t, input)
		assert.Equal(t, "created", tags["snap-to-bucket"])
		assert.Equal(t, "snap-to-bucket-snap-1", tags["Name"])
	})

	t.Run("restore volume is tagged restore-volume", func(t *testing.T) {
		api := &fakeAPI{}
		svc := testService(api)

		id, err := svc.CreateEmptyVolume(context.Background(), 13)
		require.NoError(t, err)
		assert.Equal(t, "vol-new", id)

		require.Len(t, api.createInputs, 1)
		input := api.createInputs[0]
		assert.Equal(t, int32(13), aws.ToInt32(input.Size))

		tags := volumeTagMap(t, input)
		assert.Equal(t, "restore-volume", tags["snap-to-bucket"])
		assert.NotEmpty(t, tags["Name"])
	})

	t.Run("no state tag without a tag key", func(t *testing.T) {
		api := &fakeAPI{}
		svc := NewService(api, Identity{
			InstanceID:       "i-0abc",
			Region:           "eu-west-1",
			AvailabilityZone: "eu-west-1a",
		}, Options{VolumeType: types.VolumeTypeGp2})

		_, err := svc.CreateEmptyVolume(context.Background(), 1)
		require.NoError(t, err)

		tags := volumeTagMap(t, api.createInputs[0])
		require.Len(t, tags, 1)
		assert.NotEmpty(t, tags["Name"])
	})
}

func TestDeleteSnapshot(t *testing.T) {
	api := &fakeAPI{}
	svc := testService(api)

	require.NoError(t, svc.DeleteSnapshot(context.Background(), Snapshot{ID: "snap-1"}))
	assert.Equal(t, []string{"snap-1"}, api.deletedSnapshots)
}
