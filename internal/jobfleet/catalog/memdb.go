package catalog

import (
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
)

const (
	clustersTable            = "clusters"
	commandsTable            = "commands"
	applicationsTable        = "applications"
	clusterCommandsTable     = "cluster_commands"
	commandApplicationsTable = "command_applications"

	idIndex          = "id"
	tagIndex         = "tag"
	clusterIndex     = "cluster"
	commandIndex     = "command"
	applicationIndex = "application"
)

// Rows stored in memdb. Entities are stored by pointer and never modified once inserted.
type clusterRow struct {
	Id      string
	TagList []string
	Cluster *Cluster
}

type commandRow struct {
	Id      string
	TagList []string
	Command *Command
}

type applicationRow struct {
	Id          string
	Application *Application
}

type clusterCommandRow struct {
	ClusterId string
	CommandId string
}

type commandApplicationRow struct {
	CommandId     string
	Position      int
	ApplicationId string
}

// MemDbCatalog is an in-memory Catalog backed by go-memdb. Reads run against immutable snapshots so resolutions
// proceed concurrently with writes.
type MemDbCatalog struct {
	db    *memdb.MemDB
	clock clock.PassiveClock
}

func NewMemDbCatalog() (*MemDbCatalog, error) {
	return NewMemDbCatalogWithClock(clock.RealClock{})
}

func NewMemDbCatalogWithClock(clk clock.PassiveClock) (*MemDbCatalog, error) {
	db, err := memdb.NewMemDB(catalogSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemDbCatalog{db: db, clock: clk}, nil
}

func (c *MemDbCatalog) FindClustersMatching(_ *armadacontext.Context, criterion Criterion) ([]*Cluster, error) {
	if criterion.Tags().IsEmpty() {
		return nil, errors.WithStack(&ErrInvalidCriterion{Reason: "tag set must not be empty"})
	}
	txn := c.db.Txn(false)
	defer txn.Abort()

	// Every criterion has at least one tag, so the tag index narrows the scan to plausible candidates.
	it, err := txn.Get(clustersTable, tagIndex, criterion.Tags().Tags()[0])
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*Cluster, 0)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		cluster := obj.(*clusterRow).Cluster
		if criterion.MatchesCluster(cluster) {
			result = append(result, cluster)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result, nil
}

func (c *MemDbCatalog) FindCommandsOnCluster(_ *armadacontext.Context, cluster *Cluster, criterion Criterion) ([]*Command, error) {
	if criterion.Tags().IsEmpty() {
		return nil, errors.WithStack(&ErrInvalidCriterion{Reason: "tag set must not be empty"})
	}
	txn := c.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(clusterCommandsTable, clusterIndex, cluster.Id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*Command, 0)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*clusterCommandRow)
		command, err := getCommand(txn, row.CommandId)
		if err != nil {
			return nil, err
		}
		if command != nil && criterion.MatchesCommand(command) {
			result = append(result, command)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result, nil
}

func (c *MemDbCatalog) GetApplications(_ *armadacontext.Context, ids []string) ([]*Application, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()

	result := make([]*Application, 0, len(ids))
	for _, id := range ids {
		application, err := getApplication(txn, id)
		if err != nil {
			return nil, err
		}
		if application == nil {
			return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "application", Value: id})
		}
		result = append(result, application)
	}
	return result, nil
}

func (c *MemDbCatalog) GetCommandApplications(_ *armadacontext.Context, commandId string) ([]*Application, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(commandApplicationsTable, commandIndex, commandId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows := make([]*commandApplicationRow, 0)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*commandApplicationRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })

	result := make([]*Application, 0, len(rows))
	for _, row := range rows {
		application, err := getApplication(txn, row.ApplicationId)
		if err != nil {
			return nil, err
		}
		if application != nil {
			result = append(result, application)
		}
	}
	return result, nil
}

func (c *MemDbCatalog) UpsertCluster(_ *armadacontext.Context, cluster *Cluster) error {
	if err := validateClusterStatus(cluster.Status); err != nil {
		return err
	}
	txn := c.db.Txn(true)
	defer txn.Abort()

	existing, err := getCluster(txn, cluster.Id)
	if err != nil {
		return err
	}
	var existingMeta *Metadata
	if existing != nil {
		existingMeta = &existing.Metadata
	}
	if err := prepare(&cluster.Metadata, existingMeta, c.now()); err != nil {
		return err
	}
	stored := *cluster
	if err := txn.Insert(clustersTable, &clusterRow{Id: stored.Id, TagList: stored.Tags.Tags(), Cluster: &stored}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (c *MemDbCatalog) UpsertCommand(_ *armadacontext.Context, command *Command) error {
	if err := validateStatus(command.Status); err != nil {
		return err
	}
	if err := ValidateResources(command.Resources); err != nil {
		return err
	}
	txn := c.db.Txn(true)
	defer txn.Abort()

	existing, err := getCommand(txn, command.Id)
	if err != nil {
		return err
	}
	var existingMeta *Metadata
	if existing != nil {
		existingMeta = &existing.Metadata
	}
	if err := prepare(&command.Metadata, existingMeta, c.now()); err != nil {
		return err
	}
	stored := command.DeepCopy()
	if err := txn.Insert(commandsTable, &commandRow{Id: stored.Id, TagList: stored.Tags.Tags(), Command: stored}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (c *MemDbCatalog) UpsertApplication(_ *armadacontext.Context, application *Application) error {
	if err := validateStatus(application.Status); err != nil {
		return err
	}
	txn := c.db.Txn(true)
	defer txn.Abort()

	existing, err := getApplication(txn, application.Id)
	if err != nil {
		return err
	}
	var existingMeta *Metadata
	if existing != nil {
		existingMeta = &existing.Metadata
	}
	if err := prepare(&application.Metadata, existingMeta, c.now()); err != nil {
		return err
	}
	stored := *application
	if err := txn.Insert(applicationsTable, &applicationRow{Id: stored.Id, Application: &stored}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (c *MemDbCatalog) GetCluster(_ *armadacontext.Context, id string) (*Cluster, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	cluster, err := getCluster(txn, id)
	if err != nil {
		return nil, err
	}
	if cluster == nil {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "cluster", Value: id})
	}
	return cluster, nil
}

func (c *MemDbCatalog) GetCommand(_ *armadacontext.Context, id string) (*Command, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	command, err := getCommand(txn, id)
	if err != nil {
		return nil, err
	}
	if command == nil {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "command", Value: id})
	}
	return command, nil
}

func (c *MemDbCatalog) AddCommandsToCluster(_ *armadacontext.Context, clusterId string, commandIds []string) error {
	txn := c.db.Txn(true)
	defer txn.Abort()

	if cluster, err := getCluster(txn, clusterId); err != nil {
		return err
	} else if cluster == nil {
		return errors.WithStack(&armadaerrors.ErrNotFound{Type: "cluster", Value: clusterId})
	}
	for _, commandId := range commandIds {
		if command, err := getCommand(txn, commandId); err != nil {
			return err
		} else if command == nil {
			return errors.WithStack(&armadaerrors.ErrNotFound{Type: "command", Value: commandId})
		}
		if err := txn.Insert(clusterCommandsTable, &clusterCommandRow{ClusterId: clusterId, CommandId: commandId}); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (c *MemDbCatalog) RemoveCommandFromCluster(_ *armadacontext.Context, clusterId string, commandId string) error {
	txn := c.db.Txn(true)
	defer txn.Abort()
	_, err := txn.DeleteAll(clusterCommandsTable, idIndex, clusterId, commandId)
	if err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (c *MemDbCatalog) SetCommandApplications(_ *armadacontext.Context, commandId string, applicationIds []string) error {
	txn := c.db.Txn(true)
	defer txn.Abort()

	if command, err := getCommand(txn, commandId); err != nil {
		return err
	} else if command == nil {
		return errors.WithStack(&armadaerrors.ErrNotFound{Type: "command", Value: commandId})
	}
	if _, err := txn.DeleteAll(commandApplicationsTable, commandIndex, commandId); err != nil {
		return errors.WithStack(err)
	}
	for position, applicationId := range applicationIds {
		if application, err := getApplication(txn, applicationId); err != nil {
			return err
		} else if application == nil {
			return errors.WithStack(&armadaerrors.ErrNotFound{Type: "application", Value: applicationId})
		}
		row := &commandApplicationRow{CommandId: commandId, Position: position, ApplicationId: applicationId}
		if err := txn.Insert(commandApplicationsTable, row); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (c *MemDbCatalog) DeleteTerminatedClusters(_ *armadacontext.Context, createdBefore time.Time, limit int) (int, error) {
	txn := c.db.Txn(true)
	defer txn.Abort()

	candidates, err := collectRows(txn, clustersTable, func(row *clusterRow) (time.Time, bool, error) {
		return row.Cluster.Created, row.Cluster.Status == ClusterTerminated, nil
	}, createdBefore, limit)
	if err != nil {
		return 0, err
	}
	for _, row := range candidates {
		if err := txn.Delete(clustersTable, row); err != nil {
			return 0, errors.WithStack(err)
		}
		if _, err := txn.DeleteAll(clusterCommandsTable, clusterIndex, row.Id); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	txn.Commit()
	return len(candidates), nil
}

func (c *MemDbCatalog) DeleteUnusedCommands(_ *armadacontext.Context, createdBefore time.Time, limit int) (int, error) {
	txn := c.db.Txn(true)
	defer txn.Abort()

	candidates, err := c.unusedCommands(txn, createdBefore, limit, StatusInactive)
	if err != nil {
		return 0, err
	}
	for _, row := range candidates {
		if err := txn.Delete(commandsTable, row); err != nil {
			return 0, errors.WithStack(err)
		}
		if _, err := txn.DeleteAll(commandApplicationsTable, commandIndex, row.Id); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	txn.Commit()
	return len(candidates), nil
}

func (c *MemDbCatalog) DeactivateUnusedCommands(_ *armadacontext.Context, createdBefore time.Time, limit int) (int, error) {
	txn := c.db.Txn(true)
	defer txn.Abort()

	candidates, err := c.unusedCommands(txn, createdBefore, limit, StatusActive, StatusDeprecated)
	if err != nil {
		return 0, err
	}
	now := c.now()
	for _, row := range candidates {
		deactivated := row.Command.DeepCopy()
		deactivated.Status = StatusInactive
		deactivated.Updated = now
		if err := txn.Insert(commandsTable, &commandRow{Id: row.Id, TagList: row.TagList, Command: deactivated}); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	txn.Commit()
	return len(candidates), nil
}

func (c *MemDbCatalog) DeleteUnusedApplications(_ *armadacontext.Context, createdBefore time.Time, limit int) (int, error) {
	txn := c.db.Txn(true)
	defer txn.Abort()

	candidates, err := collectRows(txn, applicationsTable, func(row *applicationRow) (time.Time, bool, error) {
		if row.Application.Status != StatusInactive {
			return time.Time{}, false, nil
		}
		listed, err := txn.First(commandApplicationsTable, applicationIndex, row.Id)
		if err != nil {
			return time.Time{}, false, errors.WithStack(err)
		}
		return row.Application.Created, listed == nil, nil
	}, createdBefore, limit)
	if err != nil {
		return 0, err
	}
	for _, row := range candidates {
		if err := txn.Delete(applicationsTable, row); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	txn.Commit()
	return len(candidates), nil
}

func (c *MemDbCatalog) unusedCommands(txn *memdb.Txn, createdBefore time.Time, limit int, statuses ...Status) ([]*commandRow, error) {
	return collectRows(txn, commandsTable, func(row *commandRow) (time.Time, bool, error) {
		if !slices.Contains(statuses, row.Command.Status) {
			return time.Time{}, false, nil
		}
		exposed, err := txn.First(clusterCommandsTable, commandIndex, row.Id)
		if err != nil {
			return time.Time{}, false, errors.WithStack(err)
		}
		return row.Command.Created, exposed == nil, nil
	}, createdBefore, limit)
}

// collectRows returns up to limit rows of table accepted by match and created before the cutoff, oldest first.
// Rows are collected before the caller modifies the table since memdb iterators must not outlive a write.
func collectRows[T any](
	txn *memdb.Txn,
	table string,
	match func(row T) (created time.Time, ok bool, err error),
	createdBefore time.Time,
	limit int,
) ([]T, error) {
	it, err := txn.Get(table, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	type candidate struct {
		row     T
		created time.Time
	}
	candidates := make([]candidate, 0)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(T)
		created, ok, err := match(row)
		if err != nil {
			return nil, err
		}
		if ok && created.Before(createdBefore) {
			candidates = append(candidates, candidate{row: row, created: created})
		}
	}
	// The id index iterates in id order, so a stable sort keeps ties ordered by id.
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].created.Before(candidates[j].created) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	result := make([]T, 0, len(candidates))
	for _, c := range candidates {
		result = append(result, c.row)
	}
	return result, nil
}

func (c *MemDbCatalog) now() time.Time {
	return c.clock.Now().UTC()
}

func getCluster(txn *memdb.Txn, id string) (*Cluster, error) {
	obj, err := txn.First(clustersTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*clusterRow).Cluster, nil
}

func getCommand(txn *memdb.Txn, id string) (*Command, error) {
	obj, err := txn.First(commandsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*commandRow).Command, nil
}

func getApplication(txn *memdb.Txn, id string) (*Application, error) {
	obj, err := txn.First(applicationsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*applicationRow).Application, nil
}

func catalogSchema() *memdb.DBSchema {
	entityIndexes := func() map[string]*memdb.IndexSchema {
		return map[string]*memdb.IndexSchema{
			idIndex: {
				Name:    idIndex,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "Id"},
			},
			tagIndex: {
				Name:         tagIndex,
				Unique:       false,
				AllowMissing: true,
				Indexer:      &memdb.StringSliceFieldIndex{Field: "TagList"},
			},
		}
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			clustersTable: {
				Name:    clustersTable,
				Indexes: entityIndexes(),
			},
			commandsTable: {
				Name:    commandsTable,
				Indexes: entityIndexes(),
			},
			applicationsTable: {
				Name: applicationsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
				},
			},
			clusterCommandsTable: {
				Name: clusterCommandsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:   idIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "ClusterId"},
								&memdb.StringFieldIndex{Field: "CommandId"},
							},
						},
					},
					clusterIndex: {
						Name:    clusterIndex,
						Indexer: &memdb.StringFieldIndex{Field: "ClusterId"},
					},
					commandIndex: {
						Name:    commandIndex,
						Indexer: &memdb.StringFieldIndex{Field: "CommandId"},
					},
				},
			},
			commandApplicationsTable: {
				Name: commandApplicationsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:   idIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "CommandId"},
								&memdb.IntFieldIndex{Field: "Position"},
							},
						},
					},
					commandIndex: {
						Name:    commandIndex,
						Indexer: &memdb.StringFieldIndex{Field: "CommandId"},
					},
					applicationIndex: {
						Name:    applicationIndex,
						Indexer: &memdb.StringFieldIndex{Field: "ApplicationId"},
					},
				},
			},
		},
	}
}
