package catalog

import (
	"time"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
)

// Lookup is the read-only view of the catalog used during resolution.
// Entities returned by a Lookup *must not* be subsequently modified.
type Lookup interface {
	// FindClustersMatching returns every cluster matching criterion, ordered by id.
	FindClustersMatching(ctx *armadacontext.Context, criterion Criterion) ([]*Cluster, error)
	// FindCommandsOnCluster returns the commands exposed by cluster that match criterion, ordered by id.
	FindCommandsOnCluster(ctx *armadacontext.Context, cluster *Cluster, criterion Criterion) ([]*Command, error)
	// GetApplications returns the applications with the given ids in the order requested.
	GetApplications(ctx *armadacontext.Context, ids []string) ([]*Application, error)
	// GetCommandApplications returns the ordered application list of a command.
	GetCommandApplications(ctx *armadacontext.Context, commandId string) ([]*Application, error)
}

// Catalog adds the mutating operations. Identity and name tags are fixed up inside the same transaction that writes
// the entity so readers never observe a partially tagged entity.
type Catalog interface {
	Lookup
	Cleanup
	UpsertCluster(ctx *armadacontext.Context, cluster *Cluster) error
	UpsertCommand(ctx *armadacontext.Context, command *Command) error
	UpsertApplication(ctx *armadacontext.Context, application *Application) error
	GetCluster(ctx *armadacontext.Context, id string) (*Cluster, error)
	GetCommand(ctx *armadacontext.Context, id string) (*Command, error)
	// AddCommandsToCluster records that the cluster exposes the given commands.
	AddCommandsToCluster(ctx *armadacontext.Context, clusterId string, commandIds []string) error
	// RemoveCommandFromCluster removes a single cluster/command association.
	RemoveCommandFromCluster(ctx *armadacontext.Context, clusterId string, commandId string) error
	// SetCommandApplications replaces the ordered application list of a command.
	SetCommandApplications(ctx *armadacontext.Context, commandId string, applicationIds []string) error
}

// Cleanup removes catalog entities that nothing refers to any more. Each call changes at most limit entities
// created before the cutoff and returns how many it changed, so callers repeat until it returns fewer than limit.
type Cleanup interface {
	// DeleteTerminatedClusters deletes TERMINATED clusters and their command associations.
	DeleteTerminatedClusters(ctx *armadacontext.Context, createdBefore time.Time, limit int) (int, error)
	// DeleteUnusedCommands deletes INACTIVE commands that no cluster exposes.
	DeleteUnusedCommands(ctx *armadacontext.Context, createdBefore time.Time, limit int) (int, error)
	// DeactivateUnusedCommands sets ACTIVE and DEPRECATED commands that no cluster exposes to INACTIVE.
	DeactivateUnusedCommands(ctx *armadacontext.Context, createdBefore time.Time, limit int) (int, error)
	// DeleteUnusedApplications deletes INACTIVE applications that no command lists. Jobs may name applications
	// directly, so active ones are kept even when unlisted.
	DeleteUnusedApplications(ctx *armadacontext.Context, createdBefore time.Time, limit int) (int, error)
}
