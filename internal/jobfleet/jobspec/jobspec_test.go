package jobspec

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clock "k8s.io/utils/clock/testing"
	"k8s.io/utils/pointer"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	"github.com/armadaproject/jobfleet/internal/common/util"
	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
	"github.com/armadaproject/jobfleet/internal/jobfleet/configuration"
	"github.com/armadaproject/jobfleet/internal/jobfleet/database"
	"github.com/armadaproject/jobfleet/internal/jobfleet/defaults"
	"github.com/armadaproject/jobfleet/internal/jobfleet/resolver"
	"github.com/armadaproject/jobfleet/internal/jobfleet/tags"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func testRequest() JobRequest {
	return JobRequest{
		JobId:            "job-1",
		Name:             "etl",
		User:             "alice",
		Group:            "data",
		Tags:             []string{"nightly"},
		ClusterCriteria:  []catalog.CriterionFields{{Tags: []string{"prod", "spark"}}, {Tags: []string{"spark"}}},
		CommandCriterion: catalog.CriterionFields{Tags: []string{"spark-submit"}},
		Resources:        catalog.PartialResources{Cpu: pointer.Int32(4)},
	}
}

func testResolutionConfig() configuration.ResolutionConfig {
	return configuration.ResolutionConfig{
		Defaults: configuration.ResourceDefaults{
			Memory: resource.MustParse("2Gi"),
		},
		Images: map[string]configuration.ImageConfig{
			"runtime": {Name: "jobfleet/runtime", Tag: "1.0"},
		},
		ArchiveLocationPrefix:  "s3://bucket/archive/",
		JobDirectory:           "/mnt/jobs",
		RefreshInterval:        time.Minute,
		SpecificationCacheSize: 16,
	}
}

type fixture struct {
	catalog *catalog.MemDbCatalog
	specs   *database.MemDbJobRepository
	builder *Builder
	clock   *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	ctx := armadacontext.Background()
	clk := clock.NewFakeClock(baseTime)
	c, err := catalog.NewMemDbCatalogWithClock(clk)
	require.NoError(t, err)
	require.NoError(t, c.UpsertCluster(ctx, &catalog.Cluster{
		Metadata: catalog.Metadata{Id: "c-yarn", Name: "yarn", Tags: tags.MustNew("spark", "yarn")},
		Status:   catalog.ClusterUp,
	}))
	require.NoError(t, c.UpsertCommand(ctx, &catalog.Command{
		Metadata:   catalog.Metadata{Id: "cmd-1", Name: "spark-submit", Tags: tags.MustNew("spark-submit")},
		Status:     catalog.StatusActive,
		Executable: []string{"spark-submit", "--deploy-mode", "cluster"},
		Resources:  catalog.PartialResources{MemoryMb: pointer.Int64(4096)},
	}))
	require.NoError(t, c.UpsertApplication(ctx, &catalog.Application{
		Metadata: catalog.Metadata{Id: "app-1", Name: "spark"},
		Status:   catalog.StatusActive,
	}))
	require.NoError(t, c.AddCommandsToCluster(ctx, "c-yarn", []string{"cmd-1"}))
	require.NoError(t, c.SetCommandApplications(ctx, "cmd-1", []string{"app-1"}))

	specs, err := database.NewMemDbJobRepository(clk)
	require.NoError(t, err)
	builder, err := NewBuilder(resolver.NewResolver(c), defaults.NewStaticSource(testResolutionConfig()), specs, 16, clk)
	require.NoError(t, err)
	return &fixture{catalog: c, specs: specs, builder: builder, clock: clk}
}

func TestBuild(t *testing.T) {
	f := newFixture(t)
	spec, created, err := f.builder.Build(armadacontext.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, "job-1", spec.JobId())
	assert.Equal(t, ClusterRef{Id: "c-yarn", Name: "yarn"}, spec.Cluster())
	assert.Equal(t, CommandRef{Id: "cmd-1", Name: "spark-submit", Executable: []string{"spark-submit", "--deploy-mode", "cluster"}}, spec.Command())
	assert.Equal(t, []ApplicationRef{{Id: "app-1", Name: "spark"}}, spec.Applications())
	assert.Equal(t, defaults.ComputeResources{
		Cpu:         4,
		Gpu:         defaults.FallbackGpu,
		MemoryMb:    4096,
		DiskMb:      defaults.FallbackDiskMb,
		NetworkMbps: defaults.FallbackNetworkMbps,
	}, spec.Resources())
	assert.Equal(t, map[string]catalog.Image{"runtime": {Name: "jobfleet/runtime", Tag: "1.0", Arguments: []string{}}}, spec.Images())
	assert.Equal(t, "s3://bucket/archive/job-1", spec.ArchiveLocation())
	assert.Equal(t, "/mnt/jobs", spec.JobDirectory())
	_, hasTimeout := spec.Timeout()
	assert.False(t, hasTimeout)
	assert.True(t, baseTime.Equal(spec.CreatedAt()))
	assert.Equal(t, testRequest().ClusterCriteria, spec.ClusterCriteria())
}

func TestBuild_Environment(t *testing.T) {
	f := newFixture(t)
	request := testRequest()
	request.Grouping = "pipeline"
	spec, _, err := f.builder.Build(armadacontext.Background(), request)
	require.NoError(t, err)

	env := spec.Environment()
	expected := map[string]string{
		EnvVersion:                     EnvironmentVersion,
		EnvClusterId:                   "c-yarn",
		EnvClusterName:                 "yarn",
		EnvClusterTags:                 "jobfleet.id:c-yarn,jobfleet.name:yarn,spark,yarn",
		EnvCommandId:                   "cmd-1",
		EnvCommandName:                 "spark-submit",
		EnvCommandTags:                 "jobfleet.id:cmd-1,jobfleet.name:spark-submit,spark-submit",
		EnvJobId:                       "job-1",
		EnvJobName:                     "etl",
		EnvJobMemory:                   "4096",
		EnvJobTags:                     "nightly",
		EnvJobGrouping:                 "pipeline",
		EnvJobGroupingInstance:         "",
		EnvRequestedCommandTags:        "spark-submit",
		EnvRequestedClusterTags:        "[[prod,spark],[spark]]",
		EnvRequestedClusterTags + "_0": "prod,spark",
		EnvRequestedClusterTags + "_1": "spark",
		EnvUser:                        "alice",
		EnvUserGroup:                   "data",
	}
	assert.Equal(t, expected, env)
}

func TestBuild_RequestOverrides(t *testing.T) {
	f := newFixture(t)
	request := testRequest()
	request.JobDirectory = "/scratch"
	request.Timeout = &metav1.Duration{Duration: time.Hour}
	request.ApplicationIds = []string{}
	request.Images = map[string]catalog.Image{"runtime": {Name: "custom", Tag: "dev", Arguments: []string{"-v"}}}

	spec, _, err := f.builder.Build(armadacontext.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, "/scratch", spec.JobDirectory())
	timeout, ok := spec.Timeout()
	assert.True(t, ok)
	assert.Equal(t, time.Hour, timeout)
	assert.Equal(t, catalog.Image{Name: "custom", Tag: "dev", Arguments: []string{"-v"}}, spec.Images()["runtime"])
}

func TestBuild_IsIdempotentPerJobId(t *testing.T) {
	f := newFixture(t)
	ctx := armadacontext.Background()
	first, created, err := f.builder.Build(ctx, testRequest())
	require.NoError(t, err)
	require.True(t, created)

	// The catalog changes so that a fresh resolution would pick a different cluster.
	require.NoError(t, f.catalog.UpsertCluster(ctx, &catalog.Cluster{
		Metadata: catalog.Metadata{Id: "c-prod", Name: "prod", Tags: tags.MustNew("prod", "spark")},
		Status:   catalog.ClusterUp,
	}))
	require.NoError(t, f.catalog.AddCommandsToCluster(ctx, "c-prod", []string{"cmd-1"}))
	f.clock.Step(time.Hour)

	second, created, err := f.builder.Build(ctx, testRequest())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "c-yarn", second.Cluster().Id)
	assert.True(t, first.CreatedAt().Equal(second.CreatedAt()))

	// A builder with a cold cache reads the stored specification.
	other, err := NewBuilder(resolver.NewResolver(f.catalog), defaults.NewStaticSource(testResolutionConfig()), f.specs, 16, f.clock)
	require.NoError(t, err)
	third, created, err := other.Build(ctx, testRequest())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "c-yarn", third.Cluster().Id)
	assert.Equal(t, first.Environment(), third.Environment())
}

func TestBuild_NoMatch(t *testing.T) {
	f := newFixture(t)
	request := testRequest()
	request.CommandCriterion = catalog.CriterionFields{Tags: []string{"hive"}}
	_, _, err := f.builder.Build(armadacontext.Background(), request)
	var noMatch *resolver.ErrNoMatchFound
	assert.ErrorAs(t, err, &noMatch)

	_, err = f.specs.GetSpecification(armadacontext.Background(), request.JobId)
	var notFound *armadaerrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestBuild_InvalidRequest(t *testing.T) {
	tests := map[string]func(r *JobRequest){
		"no job id":              func(r *JobRequest) { r.JobId = "" },
		"no user":                func(r *JobRequest) { r.User = " " },
		"no criteria":            func(r *JobRequest) { r.ClusterCriteria = nil },
		"negative timeout":       func(r *JobRequest) { r.Timeout = &metav1.Duration{Duration: -time.Second} },
		"reserved tag separator": func(r *JobRequest) { r.Tags = []string{"nightly", "a|b"} },
		"blank tag":              func(r *JobRequest) { r.Tags = []string{" "} },
		"negative cpu":           func(r *JobRequest) { r.Resources.Cpu = pointer.Int32(-3) },
		"negative gpu":           func(r *JobRequest) { r.Resources.Gpu = pointer.Int32(-1) },
		"negative memory":        func(r *JobRequest) { r.Resources.MemoryMb = pointer.Int64(-100) },
		"negative disk":          func(r *JobRequest) { r.Resources.DiskMb = pointer.Int64(-1) },
		"negative network":       func(r *JobRequest) { r.Resources.NetworkMbps = pointer.Int64(-1) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			request := testRequest()
			mutate(&request)
			_, _, err := f.builder.Build(armadacontext.Background(), request)
			var invalid *armadaerrors.ErrInvalidArgument
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestWithJobId(t *testing.T) {
	request := JobRequest{}.WithJobId()
	assert.True(t, util.IsULID(request.JobId))
	assert.Equal(t, "given", JobRequest{JobId: " given "}.WithJobId().JobId)
}

func TestJobSpecification_AccessorsReturnCopies(t *testing.T) {
	f := newFixture(t)
	spec, _, err := f.builder.Build(armadacontext.Background(), testRequest())
	require.NoError(t, err)

	spec.Environment()[EnvJobId] = "changed"
	spec.Command().Executable[0] = "changed"
	images := spec.Images()
	images["runtime"] = catalog.Image{Name: "changed"}
	spec.ClusterCriteria()[0].Tags[0] = "changed"

	assert.Equal(t, "job-1", spec.Environment()[EnvJobId])
	assert.Equal(t, "spark-submit", spec.Command().Executable[0])
	assert.Equal(t, "jobfleet/runtime", spec.Images()["runtime"].Name)
	assert.Equal(t, "prod", spec.ClusterCriteria()[0].Tags[0])
}

func TestJobSpecification_JSON(t *testing.T) {
	f := newFixture(t)
	spec, _, err := f.builder.Build(armadacontext.Background(), testRequest())
	require.NoError(t, err)

	data, err := json.Marshal(spec)
	require.NoError(t, err)
	decoded := &JobSpecification{}
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.Equal(t, spec.Environment(), decoded.Environment())
	assert.Equal(t, spec.Resources(), decoded.Resources())
	assert.Equal(t, spec.Cluster(), decoded.Cluster())
	assert.True(t, spec.CreatedAt().Equal(decoded.CreatedAt()))
}
