package resolver

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
	"github.com/armadaproject/jobfleet/internal/jobfleet/tags"
)

// recordingLookup records the cluster criteria it is queried with.
type recordingLookup struct {
	catalog.Lookup
	clusterQueries []catalog.Criterion
	failClusters   error
}

func (r *recordingLookup) FindClustersMatching(ctx *armadacontext.Context, criterion catalog.Criterion) ([]*catalog.Cluster, error) {
	r.clusterQueries = append(r.clusterQueries, criterion)
	if r.failClusters != nil {
		return nil, r.failClusters
	}
	return r.Lookup.FindClustersMatching(ctx, criterion)
}

type testCatalog struct {
	clusters map[string][]string
	commands map[string][]string
	// cluster id -> exposed command ids
	exposes map[string][]string
	status  map[string]catalog.ClusterStatus
}

func newLookup(t *testing.T, tc testCatalog) *recordingLookup {
	ctx := armadacontext.Background()
	c, err := catalog.NewMemDbCatalog()
	require.NoError(t, err)
	for id, tagValues := range tc.clusters {
		status := catalog.ClusterUp
		if s, ok := tc.status[id]; ok {
			status = s
		}
		require.NoError(t, c.UpsertCluster(ctx, &catalog.Cluster{
			Metadata: catalog.Metadata{Id: id, Name: id, Tags: tags.MustNew(tagValues...)},
			Status:   status,
		}))
	}
	for id, tagValues := range tc.commands {
		require.NoError(t, c.UpsertCommand(ctx, &catalog.Command{
			Metadata: catalog.Metadata{Id: id, Name: id, Tags: tags.MustNew(tagValues...)},
			Status:   catalog.StatusActive,
		}))
	}
	for clusterId, commandIds := range tc.exposes {
		require.NoError(t, c.AddCommandsToCluster(ctx, clusterId, commandIds))
	}
	return &recordingLookup{Lookup: c}
}

func criteria(tagSets ...[]string) []catalog.Criterion {
	result := make([]catalog.Criterion, 0, len(tagSets))
	for _, tagSet := range tagSets {
		result = append(result, catalog.MustNewCriterion(tagSet...))
	}
	return result
}

func TestResolve(t *testing.T) {
	tests := map[string]struct {
		catalog          testCatalog
		clusterCriteria  []catalog.Criterion
		commandCriterion catalog.Criterion
		expectedCluster  string
		expectedCommand  string
		expectedQueries  int
		expectNoMatch    bool
	}{
		"falls back to second criterion": {
			catalog: testCatalog{
				clusters: map[string][]string{"c-yarn": {"spark", "yarn"}},
				commands: map[string][]string{"spark-submit": {"spark"}},
				exposes:  map[string][]string{"c-yarn": {"spark-submit"}},
			},
			clusterCriteria:  criteria([]string{"prod", "spark"}, []string{"spark"}),
			commandCriterion: catalog.MustNewCriterion("spark"),
			expectedCluster:  "c-yarn",
			expectedCommand:  "spark-submit",
			expectedQueries:  2,
		},
		"first match short circuits": {
			catalog: testCatalog{
				clusters: map[string][]string{"c-prod": {"prod", "spark"}, "c-yarn": {"spark", "yarn"}},
				commands: map[string][]string{"spark-submit": {"spark"}},
				exposes:  map[string][]string{"c-prod": {"spark-submit"}, "c-yarn": {"spark-submit"}},
			},
			clusterCriteria:  criteria([]string{"prod"}, []string{"yarn"}, []string{"spark"}),
			commandCriterion: catalog.MustNewCriterion("spark"),
			expectedCluster:  "c-prod",
			expectedCommand:  "spark-submit",
			expectedQueries:  1,
		},
		"ties broken by cluster then command id": {
			catalog: testCatalog{
				clusters: map[string][]string{"c-b": {"spark"}, "c-a": {"spark"}},
				commands: map[string][]string{"cmd-2": {"spark"}, "cmd-1": {"spark"}},
				exposes:  map[string][]string{"c-a": {"cmd-2", "cmd-1"}, "c-b": {"cmd-1"}},
			},
			clusterCriteria:  criteria([]string{"spark"}),
			commandCriterion: catalog.MustNewCriterion("spark"),
			expectedCluster:  "c-a",
			expectedCommand:  "cmd-1",
			expectedQueries:  1,
		},
		"cluster without matching command is skipped": {
			catalog: testCatalog{
				clusters: map[string][]string{"c-a": {"spark"}, "c-b": {"spark"}},
				commands: map[string][]string{"cmd-1": {"spark"}},
				exposes:  map[string][]string{"c-b": {"cmd-1"}},
			},
			clusterCriteria:  criteria([]string{"spark"}),
			commandCriterion: catalog.MustNewCriterion("spark"),
			expectedCluster:  "c-b",
			expectedCommand:  "cmd-1",
			expectedQueries:  1,
		},
		"out of service clusters are ignored": {
			catalog: testCatalog{
				clusters: map[string][]string{"c-a": {"spark"}},
				commands: map[string][]string{"cmd-1": {"spark"}},
				exposes:  map[string][]string{"c-a": {"cmd-1"}},
				status:   map[string]catalog.ClusterStatus{"c-a": catalog.ClusterOutOfService},
			},
			clusterCriteria:  criteria([]string{"spark"}),
			commandCriterion: catalog.MustNewCriterion("spark"),
			expectedQueries:  1,
			expectNoMatch:    true,
		},
		"no criterion matches": {
			catalog: testCatalog{
				clusters: map[string][]string{"c-a": {"spark"}},
			},
			clusterCriteria:  criteria([]string{"prod"}, []string{"hive"}),
			commandCriterion: catalog.MustNewCriterion("spark"),
			expectedQueries:  2,
			expectNoMatch:    true,
		},
		"winning criterion has no command": {
			catalog: testCatalog{
				clusters: map[string][]string{"c-a": {"prod"}, "c-b": {"spark"}},
				commands: map[string][]string{"cmd-1": {"spark"}},
				exposes:  map[string][]string{"c-b": {"cmd-1"}},
			},
			clusterCriteria:  criteria([]string{"prod"}, []string{"spark"}),
			commandCriterion: catalog.MustNewCriterion("spark"),
			expectedQueries:  1,
			expectNoMatch:    true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			lookup := newLookup(t, tc.catalog)
			resolver := NewResolver(lookup)

			cluster, command, err := resolver.Resolve(armadacontext.Background(), tc.clusterCriteria, tc.commandCriterion)
			assert.Len(t, lookup.clusterQueries, tc.expectedQueries)
			assert.Equal(t, tc.clusterCriteria[:tc.expectedQueries], lookup.clusterQueries)
			if tc.expectNoMatch {
				var noMatch *ErrNoMatchFound
				require.ErrorAs(t, err, &noMatch)
				assert.Equal(t, tc.clusterCriteria[:tc.expectedQueries], noMatch.Attempted)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedCluster, cluster.Id)
			assert.Equal(t, tc.expectedCommand, command.Id)
		})
	}
}

func TestResolve_IgnoresCriteriaAfterWinner(t *testing.T) {
	cat := testCatalog{
		clusters: map[string][]string{"c-prod": {"prod", "spark"}, "c-other": {"other", "spark"}},
		commands: map[string][]string{"cmd": {"spark"}},
		exposes:  map[string][]string{"c-prod": {"cmd"}, "c-other": {"cmd"}},
	}
	prefix := criteria([]string{"missing"}, []string{"prod"})
	suffixes := [][]catalog.Criterion{
		nil,
		criteria([]string{"other"}),
		criteria([]string{"spark"}, []string{"other"}),
	}
	for _, suffix := range suffixes {
		lookup := newLookup(t, cat)
		cluster, command, err := NewResolver(lookup).Resolve(
			armadacontext.Background(), append(append([]catalog.Criterion{}, prefix...), suffix...), catalog.MustNewCriterion("spark"))
		require.NoError(t, err)
		assert.Equal(t, "c-prod", cluster.Id)
		assert.Equal(t, "cmd", command.Id)
		assert.Equal(t, prefix, lookup.clusterQueries)
	}
}

func TestResolve_LookupError(t *testing.T) {
	lookup := newLookup(t, testCatalog{})
	lookup.failClusters = errors.New("catalog down")
	_, _, err := NewResolver(lookup).Resolve(armadacontext.Background(), criteria([]string{"a"}), catalog.MustNewCriterion("b"))
	require.Error(t, err)
	var noMatch *ErrNoMatchFound
	assert.False(t, errors.As(err, &noMatch))
}

func TestResolveApplications(t *testing.T) {
	ctx := armadacontext.Background()
	c, err := catalog.NewMemDbCatalog()
	require.NoError(t, err)
	command := &catalog.Command{Metadata: catalog.Metadata{Id: "cmd", Name: "cmd"}, Status: catalog.StatusActive}
	require.NoError(t, c.UpsertCommand(ctx, command))
	for _, id := range []string{"app1", "app2", "app3"} {
		require.NoError(t, c.UpsertApplication(ctx, &catalog.Application{
			Metadata: catalog.Metadata{Id: id, Name: id},
			Status:   catalog.StatusActive,
		}))
	}
	require.NoError(t, c.SetCommandApplications(ctx, "cmd", []string{"app2", "app1"}))
	resolver := NewResolver(c)

	applications, err := resolver.ResolveApplications(ctx, command, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"app2", "app1"}, applicationIds(applications))

	applications, err = resolver.ResolveApplications(ctx, command, []string{"app3", "app1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"app3", "app1"}, applicationIds(applications))

	_, err = resolver.ResolveApplications(ctx, command, []string{"missing"})
	var notFound *armadaerrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func applicationIds(applications []*catalog.Application) []string {
	ids := make([]string, 0, len(applications))
	for _, a := range applications {
		ids = append(ids, a.Id)
	}
	return ids
}

func TestParseCriteria(t *testing.T) {
	tests := map[string]struct {
		clusterFields  []catalog.CriterionFields
		commandFields  catalog.CriterionFields
		expectedErrors int
	}{
		"valid": {
			clusterFields: []catalog.CriterionFields{{Tags: []string{"prod"}}, {Tags: []string{"spark"}}},
			commandFields: catalog.CriterionFields{Tags: []string{"spark"}},
		},
		"no cluster criteria": {
			clusterFields:  nil,
			commandFields:  catalog.CriterionFields{Tags: []string{"spark"}},
			expectedErrors: 1,
		},
		"every invalid criterion reported": {
			clusterFields:  []catalog.CriterionFields{{Tags: []string{"prod"}}, {}, {Status: "BROKEN", Tags: []string{"a"}}},
			commandFields:  catalog.CriterionFields{},
			expectedErrors: 3,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			clusterCriteria, commandCriterion, err := ParseCriteria(tc.clusterFields, tc.commandFields)
			if tc.expectedErrors == 0 {
				require.NoError(t, err)
				assert.Len(t, clusterCriteria, len(tc.clusterFields))
				assert.False(t, commandCriterion.Tags().IsEmpty())
				return
			}
			var merr *multierror.Error
			require.ErrorAs(t, err, &merr)
			assert.Len(t, merr.Errors, tc.expectedErrors)
		})
	}
}
