package catalog

import (
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/jobfleet/tags"
)

// Seed is a catalog described in a YAML or JSON file. It is how an in-memory catalog gets its contents and how a
// postgres catalog can be bootstrapped.
type Seed struct {
	Applications []SeedApplication `json:"applications"`
	Commands     []SeedCommand     `json:"commands"`
	Clusters     []SeedCluster     `json:"clusters"`
}

type SeedApplication struct {
	Id      string   `json:"id"`
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	User    string   `json:"user,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Status  Status   `json:"status"`
	Type    string   `json:"type,omitempty"`
}

type SeedCommand struct {
	Id         string           `json:"id"`
	Name       string           `json:"name"`
	Version    string           `json:"version,omitempty"`
	User       string           `json:"user,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	Status     Status           `json:"status"`
	Executable []string         `json:"executable"`
	Resources  PartialResources `json:"resources,omitempty"`
	Images     map[string]Image `json:"images,omitempty"`
	// Ordered application ids
	Applications []string `json:"applications,omitempty"`
}

type SeedCluster struct {
	Id      string        `json:"id"`
	Name    string        `json:"name"`
	Version string        `json:"version,omitempty"`
	User    string        `json:"user,omitempty"`
	Tags    []string      `json:"tags,omitempty"`
	Status  ClusterStatus `json:"status"`
	// Ids of the commands the cluster exposes
	Commands []string `json:"commands,omitempty"`
}

func ParseSeed(data []byte) (*Seed, error) {
	seed := &Seed{}
	if err := yaml.UnmarshalStrict(data, seed); err != nil {
		return nil, errors.Wrap(err, "error parsing catalog seed")
	}
	return seed, nil
}

// LoadSeedFile parses the seed at path and applies it to c.
func LoadSeedFile(ctx *armadacontext.Context, c Catalog, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return errors.WithMessagef(err, "file %s", path)
	}
	if err := seed.Apply(ctx, c); err != nil {
		return err
	}
	ctx.Log.Infof("Loaded %d clusters, %d commands and %d applications from %s",
		len(seed.Clusters), len(seed.Commands), len(seed.Applications), path)
	return nil
}

// Apply upserts every entity of the seed and its associations. Applications go first so that commands can refer
// to them, then commands, then clusters.
func (s *Seed) Apply(ctx *armadacontext.Context, c Catalog) error {
	for _, a := range s.Applications {
		meta, err := seedMetadata(a.Id, a.Name, a.Version, a.User, a.Tags)
		if err != nil {
			return err
		}
		if err := c.UpsertApplication(ctx, &Application{Metadata: meta, Status: a.Status, Type: a.Type}); err != nil {
			return errors.WithMessagef(err, "application %s", a.Id)
		}
	}
	for _, cmd := range s.Commands {
		meta, err := seedMetadata(cmd.Id, cmd.Name, cmd.Version, cmd.User, cmd.Tags)
		if err != nil {
			return err
		}
		command := &Command{
			Metadata:   meta,
			Status:     cmd.Status,
			Executable: cmd.Executable,
			Resources:  cmd.Resources,
			Images:     cmd.Images,
		}
		if err := c.UpsertCommand(ctx, command); err != nil {
			return errors.WithMessagef(err, "command %s", cmd.Id)
		}
		if err := c.SetCommandApplications(ctx, cmd.Id, cmd.Applications); err != nil {
			return errors.WithMessagef(err, "applications of command %s", cmd.Id)
		}
	}
	for _, cl := range s.Clusters {
		meta, err := seedMetadata(cl.Id, cl.Name, cl.Version, cl.User, cl.Tags)
		if err != nil {
			return err
		}
		if err := c.UpsertCluster(ctx, &Cluster{Metadata: meta, Status: cl.Status}); err != nil {
			return errors.WithMessagef(err, "cluster %s", cl.Id)
		}
		if len(cl.Commands) > 0 {
			if err := c.AddCommandsToCluster(ctx, cl.Id, cl.Commands); err != nil {
				return errors.WithMessagef(err, "commands of cluster %s", cl.Id)
			}
		}
	}
	return nil
}

func seedMetadata(id, name, version, user string, tagValues []string) (Metadata, error) {
	set, err := tags.New(tagValues...)
	if err != nil {
		return Metadata{}, errors.WithMessagef(err, "tags of %s", id)
	}
	return Metadata{Id: id, Name: name, Version: version, User: user, Tags: set}, nil
}
