package catalog

import (
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	"github.com/armadaproject/jobfleet/internal/common/database"
	"github.com/armadaproject/jobfleet/internal/jobfleet/tags"
)

const (
	clusterColumns     = `c.id, c.name, c.version, c."user", c.status, c.tags, c.created, c.updated`
	commandColumns     = `c.id, c.name, c.version, c."user", c.status, c.tags, c.executable, c.cpu, c.gpu, c.memory_mb, c.disk_mb, c.network_mbps, c.images, c.created, c.updated`
	applicationColumns = `a.id, a.name, a.version, a."user", a.status, a.type, a.tags, a.created, a.updated`

	// Optional filters are passed as empty strings when unset.
	criterionFilter = `c.tag_search LIKE ALL($1)
		AND ($2 = '' OR c.id = $2)
		AND ($3 = '' OR c.name = $3)
		AND ($4 = '' OR c.version = $4)
		AND c.status = $5`
)

// PostgresCatalog is a Catalog stored in the tables created by the jobfleet migrations. Tag matching is done in the
// database against the derived tag_search column, one LIKE pattern per criterion tag.
type PostgresCatalog struct {
	db    *pgxpool.Pool
	clock clock.PassiveClock
}

func NewPostgresCatalog(db *pgxpool.Pool, clk clock.PassiveClock) *PostgresCatalog {
	return &PostgresCatalog{db: db, clock: clk}
}

func criterionArgs(criterion Criterion, defaultStatus string) []any {
	patterns := make([]string, 0, criterion.Tags().Len())
	for _, tag := range criterion.Tags().Tags() {
		patterns = append(patterns, tags.LikePattern(tag))
	}
	status := criterion.Status()
	if status == "" {
		status = defaultStatus
	}
	return []any{patterns, criterion.Id(), criterion.Name(), criterion.Version(), status}
}

func (c *PostgresCatalog) FindClustersMatching(ctx *armadacontext.Context, criterion Criterion) ([]*Cluster, error) {
	if criterion.Tags().IsEmpty() {
		return nil, errors.WithStack(&ErrInvalidCriterion{Reason: "tag set must not be empty"})
	}
	rows, err := c.db.Query(ctx,
		`SELECT `+clusterColumns+` FROM clusters c WHERE `+criterionFilter+` ORDER BY c.id`,
		criterionArgs(criterion, string(ClusterUp))...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return collect(rows, scanCluster)
}

func (c *PostgresCatalog) FindCommandsOnCluster(ctx *armadacontext.Context, cluster *Cluster, criterion Criterion) ([]*Command, error) {
	if criterion.Tags().IsEmpty() {
		return nil, errors.WithStack(&ErrInvalidCriterion{Reason: "tag set must not be empty"})
	}
	args := append(criterionArgs(criterion, string(StatusActive)), cluster.Id)
	rows, err := c.db.Query(ctx,
		`SELECT `+commandColumns+` FROM commands c
		 JOIN cluster_commands cc ON cc.command_id = c.id
		 WHERE cc.cluster_id = $6 AND `+criterionFilter+`
		 ORDER BY c.id`,
		args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return collect(rows, scanCommand)
}

func (c *PostgresCatalog) GetApplications(ctx *armadacontext.Context, ids []string) ([]*Application, error) {
	rows, err := c.db.Query(ctx, `SELECT `+applicationColumns+` FROM applications a WHERE a.id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	found, err := collect(rows, scanApplication)
	if err != nil {
		return nil, err
	}
	byId := make(map[string]*Application, len(found))
	for _, application := range found {
		byId[application.Id] = application
	}
	result := make([]*Application, 0, len(ids))
	for _, id := range ids {
		application, ok := byId[id]
		if !ok {
			return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "application", Value: id})
		}
		result = append(result, application)
	}
	return result, nil
}

func (c *PostgresCatalog) GetCommandApplications(ctx *armadacontext.Context, commandId string) ([]*Application, error) {
	rows, err := c.db.Query(ctx,
		`SELECT `+applicationColumns+` FROM applications a
		 JOIN command_applications ca ON ca.application_id = a.id
		 WHERE ca.command_id = $1
		 ORDER BY ca.position`,
		commandId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return collect(rows, scanApplication)
}

func (c *PostgresCatalog) UpsertCluster(ctx *armadacontext.Context, cluster *Cluster) error {
	if err := validateClusterStatus(cluster.Status); err != nil {
		return err
	}
	return database.ExecuteInTx(ctx, c.db, func(tx pgx.Tx) error {
		if err := c.prepareInTx(ctx, tx, "clusters", &cluster.Metadata); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO clusters (id, name, version, "user", status, tags, tag_search, created, updated)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO UPDATE SET
			     name = EXCLUDED.name, version = EXCLUDED.version, "user" = EXCLUDED."user",
			     status = EXCLUDED.status, tags = EXCLUDED.tags, tag_search = EXCLUDED.tag_search,
			     updated = EXCLUDED.updated`,
			cluster.Id, cluster.Name, cluster.Version, cluster.User, string(cluster.Status),
			cluster.Tags.Tags(), cluster.Tags.SearchString(), cluster.Created, cluster.Updated)
		return errors.WithStack(err)
	})
}

func (c *PostgresCatalog) UpsertCommand(ctx *armadacontext.Context, command *Command) error {
	if err := validateStatus(command.Status); err != nil {
		return err
	}
	if err := ValidateResources(command.Resources); err != nil {
		return err
	}
	return database.ExecuteInTx(ctx, c.db, func(tx pgx.Tx) error {
		if err := c.prepareInTx(ctx, tx, "commands", &command.Metadata); err != nil {
			return err
		}
		executable := command.Executable
		if executable == nil {
			executable = []string{}
		}
		r := command.Resources
		_, err := tx.Exec(ctx,
			`INSERT INTO commands (id, name, version, "user", status, tags, tag_search, executable,
			                       cpu, gpu, memory_mb, disk_mb, network_mbps, images, created, updated)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			 ON CONFLICT (id) DO UPDATE SET
			     name = EXCLUDED.name, version = EXCLUDED.version, "user" = EXCLUDED."user",
			     status = EXCLUDED.status, tags = EXCLUDED.tags, tag_search = EXCLUDED.tag_search,
			     executable = EXCLUDED.executable, cpu = EXCLUDED.cpu, gpu = EXCLUDED.gpu,
			     memory_mb = EXCLUDED.memory_mb, disk_mb = EXCLUDED.disk_mb,
			     network_mbps = EXCLUDED.network_mbps, images = EXCLUDED.images, updated = EXCLUDED.updated`,
			command.Id, command.Name, command.Version, command.User, string(command.Status),
			command.Tags.Tags(), command.Tags.SearchString(), executable,
			r.Cpu, r.Gpu, r.MemoryMb, r.DiskMb, r.NetworkMbps, command.Images,
			command.Created, command.Updated)
		return errors.WithStack(err)
	})
}

func (c *PostgresCatalog) UpsertApplication(ctx *armadacontext.Context, application *Application) error {
	if err := validateStatus(application.Status); err != nil {
		return err
	}
	return database.ExecuteInTx(ctx, c.db, func(tx pgx.Tx) error {
		if err := c.prepareInTx(ctx, tx, "applications", &application.Metadata); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO applications (id, name, version, "user", status, type, tags, tag_search, created, updated)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO UPDATE SET
			     name = EXCLUDED.name, version = EXCLUDED.version, "user" = EXCLUDED."user",
			     status = EXCLUDED.status, type = EXCLUDED.type, tags = EXCLUDED.tags,
			     tag_search = EXCLUDED.tag_search, updated = EXCLUDED.updated`,
			application.Id, application.Name, application.Version, application.User, string(application.Status),
			application.Type, application.Tags.Tags(), application.Tags.SearchString(),
			application.Created, application.Updated)
		return errors.WithStack(err)
	})
}

// prepareInTx locks any existing row so that Created is carried over and concurrent upserts of the same entity
// serialise.
func (c *PostgresCatalog) prepareInTx(ctx *armadacontext.Context, tx pgx.Tx, table string, m *Metadata) error {
	var existing *Metadata
	var created time.Time
	err := tx.QueryRow(ctx, `SELECT created FROM `+table+` WHERE id = $1 FOR UPDATE`, m.Id).Scan(&created)
	switch {
	case err == nil:
		existing = &Metadata{Created: created}
	case !errors.Is(err, pgx.ErrNoRows):
		return errors.WithStack(err)
	}
	return prepare(m, existing, c.clock.Now().UTC())
}

func (c *PostgresCatalog) GetCluster(ctx *armadacontext.Context, id string) (*Cluster, error) {
	cluster, err := scanCluster(c.db.QueryRow(ctx, `SELECT `+clusterColumns+` FROM clusters c WHERE c.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "cluster", Value: id})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return cluster, nil
}

func (c *PostgresCatalog) GetCommand(ctx *armadacontext.Context, id string) (*Command, error) {
	command, err := scanCommand(c.db.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands c WHERE c.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "command", Value: id})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return command, nil
}

func (c *PostgresCatalog) AddCommandsToCluster(ctx *armadacontext.Context, clusterId string, commandIds []string) error {
	return database.ExecuteInTx(ctx, c.db, func(tx pgx.Tx) error {
		if err := ensureExists(ctx, tx, "clusters", "cluster", clusterId); err != nil {
			return err
		}
		for _, commandId := range commandIds {
			if err := ensureExists(ctx, tx, "commands", "command", commandId); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO cluster_commands (cluster_id, command_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				clusterId, commandId)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func (c *PostgresCatalog) RemoveCommandFromCluster(ctx *armadacontext.Context, clusterId string, commandId string) error {
	_, err := c.db.Exec(ctx, `DELETE FROM cluster_commands WHERE cluster_id = $1 AND command_id = $2`, clusterId, commandId)
	return errors.WithStack(err)
}

func (c *PostgresCatalog) SetCommandApplications(ctx *armadacontext.Context, commandId string, applicationIds []string) error {
	return database.ExecuteInTx(ctx, c.db, func(tx pgx.Tx) error {
		if err := ensureExists(ctx, tx, "commands", "command", commandId); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM command_applications WHERE command_id = $1`, commandId); err != nil {
			return errors.WithStack(err)
		}
		for position, applicationId := range applicationIds {
			if err := ensureExists(ctx, tx, "applications", "application", applicationId); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO command_applications (command_id, position, application_id) VALUES ($1, $2, $3)`,
				commandId, position, applicationId)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func (c *PostgresCatalog) DeleteTerminatedClusters(ctx *armadacontext.Context, createdBefore time.Time, limit int) (int, error) {
	// cluster_commands rows go with the cluster through ON DELETE CASCADE.
	tag, err := c.db.Exec(ctx,
		`DELETE FROM clusters WHERE id IN (
		     SELECT id FROM clusters
		     WHERE status = $1 AND created < $2
		     ORDER BY created, id
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED)`,
		string(ClusterTerminated), createdBefore, limit)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(tag.RowsAffected()), nil
}

const unusedCommandIds = `SELECT c.id FROM commands c
	WHERE c.status = ANY($1) AND c.created < $2
	  AND NOT EXISTS (SELECT 1 FROM cluster_commands cc WHERE cc.command_id = c.id)
	ORDER BY c.created, c.id
	LIMIT $3
	FOR UPDATE SKIP LOCKED`

func (c *PostgresCatalog) DeleteUnusedCommands(ctx *armadacontext.Context, createdBefore time.Time, limit int) (int, error) {
	tag, err := c.db.Exec(ctx,
		`DELETE FROM commands WHERE id IN (`+unusedCommandIds+`)`,
		[]string{string(StatusInactive)}, createdBefore, limit)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(tag.RowsAffected()), nil
}

func (c *PostgresCatalog) DeactivateUnusedCommands(ctx *armadacontext.Context, createdBefore time.Time, limit int) (int, error) {
	tag, err := c.db.Exec(ctx,
		`UPDATE commands SET status = $4, updated = $5 WHERE id IN (`+unusedCommandIds+`)`,
		[]string{string(StatusActive), string(StatusDeprecated)}, createdBefore, limit,
		string(StatusInactive), c.clock.Now().UTC())
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(tag.RowsAffected()), nil
}

func (c *PostgresCatalog) DeleteUnusedApplications(ctx *armadacontext.Context, createdBefore time.Time, limit int) (int, error) {
	tag, err := c.db.Exec(ctx,
		`DELETE FROM applications WHERE id IN (
		     SELECT a.id FROM applications a
		     WHERE a.status = $1 AND a.created < $2
		       AND NOT EXISTS (SELECT 1 FROM command_applications ca WHERE ca.application_id = a.id)
		     ORDER BY a.created, a.id
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED)`,
		string(StatusInactive), createdBefore, limit)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(tag.RowsAffected()), nil
}

func ensureExists(ctx *armadacontext.Context, tx pgx.Tx, table string, kind string, id string) error {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return errors.WithStack(err)
	}
	if !exists {
		return errors.WithStack(&armadaerrors.ErrNotFound{Type: kind, Value: id})
	}
	return nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	result := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, item)
	}
	return result, errors.WithStack(rows.Err())
}

func scanCluster(row pgx.Row) (*Cluster, error) {
	cluster := &Cluster{}
	var status string
	var tagList []string
	err := row.Scan(&cluster.Id, &cluster.Name, &cluster.Version, &cluster.User, &status, &tagList,
		&cluster.Created, &cluster.Updated)
	if err != nil {
		return nil, err
	}
	cluster.Status = ClusterStatus(status)
	cluster.Tags, err = tags.New(tagList...)
	return cluster, err
}

func scanCommand(row pgx.Row) (*Command, error) {
	command := &Command{}
	var status string
	var tagList []string
	r := &command.Resources
	err := row.Scan(&command.Id, &command.Name, &command.Version, &command.User, &status, &tagList,
		&command.Executable, &r.Cpu, &r.Gpu, &r.MemoryMb, &r.DiskMb, &r.NetworkMbps, &command.Images,
		&command.Created, &command.Updated)
	if err != nil {
		return nil, err
	}
	command.Status = Status(status)
	command.Tags, err = tags.New(tagList...)
	return command, err
}

func scanApplication(row pgx.Row) (*Application, error) {
	application := &Application{}
	var status string
	var tagList []string
	err := row.Scan(&application.Id, &application.Name, &application.Version, &application.User, &status,
		&application.Type, &tagList, &application.Created, &application.Updated)
	if err != nil {
		return nil, err
	}
	application.Status = Status(status)
	application.Tags, err = tags.New(tagList...)
	return application, err
}
