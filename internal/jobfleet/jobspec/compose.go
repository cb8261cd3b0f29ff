package jobspec

import (
	"strconv"
	"strings"
	"time"

	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
	"github.com/armadaproject/jobfleet/internal/jobfleet/defaults"
	"github.com/armadaproject/jobfleet/internal/jobfleet/tags"
)

const (
	envPrefix = "JOBFLEET_"
	// Version of the environment contract exposed to jobs
	EnvironmentVersion = "1"
)

const (
	EnvVersion              = envPrefix + "VERSION"
	EnvClusterId            = envPrefix + "CLUSTER_ID"
	EnvClusterName          = envPrefix + "CLUSTER_NAME"
	EnvClusterTags          = envPrefix + "CLUSTER_TAGS"
	EnvCommandId            = envPrefix + "COMMAND_ID"
	EnvCommandName          = envPrefix + "COMMAND_NAME"
	EnvCommandTags          = envPrefix + "COMMAND_TAGS"
	EnvJobId                = envPrefix + "JOB_ID"
	EnvJobName              = envPrefix + "JOB_NAME"
	EnvJobMemory            = envPrefix + "JOB_MEMORY"
	EnvJobTags              = envPrefix + "JOB_TAGS"
	EnvJobGrouping          = envPrefix + "JOB_GROUPING"
	EnvJobGroupingInstance  = envPrefix + "JOB_GROUPING_INSTANCE"
	EnvRequestedCommandTags = envPrefix + "REQUESTED_COMMAND_TAGS"
	EnvRequestedClusterTags = envPrefix + "REQUESTED_CLUSTER_TAGS"
	EnvUser                 = envPrefix + "USER"
	EnvUserGroup            = envPrefix + "USER_GROUP"
)

// Settings are the configured values a specification is composed with.
type Settings struct {
	ArchiveLocationPrefix string
	JobDirectory          string
}

// Resolved is everything resolution produced for a request.
type Resolved struct {
	Cluster      *catalog.Cluster
	Command      *catalog.Command
	Applications []*catalog.Application
	Resources    defaults.ComputeResources
	Images       map[string]catalog.Image
}

// Compose builds the specification for request from the resolved entities. It performs no I/O. request must carry
// a job id and have passed validation.
func Compose(request JobRequest, resolved Resolved, settings Settings, now time.Time) *JobSpecification {
	applications := make([]ApplicationRef, 0, len(resolved.Applications))
	for _, application := range resolved.Applications {
		applications = append(applications, ApplicationRef{Id: application.Id, Name: application.Name})
	}
	jobTags := tags.MustNew(request.Tags...)

	var timeout *time.Duration
	if request.Timeout != nil {
		d := request.Timeout.Duration
		timeout = &d
	}
	jobDirectory := request.JobDirectory
	if jobDirectory == "" {
		jobDirectory = settings.JobDirectory
	}
	clusterCriteria := make([]catalog.CriterionFields, 0, len(request.ClusterCriteria))
	for _, c := range request.ClusterCriteria {
		c.Tags = append([]string{}, c.Tags...)
		clusterCriteria = append(clusterCriteria, c)
	}
	commandCriterion := request.CommandCriterion
	commandCriterion.Tags = append([]string{}, commandCriterion.Tags...)

	return &JobSpecification{s: specificationData{
		JobId:   request.JobId,
		JobName: request.Name,
		User:    request.User,
		Group:   request.Group,
		Tags:    jobTags.Tags(),
		Cluster: ClusterRef{Id: resolved.Cluster.Id, Name: resolved.Cluster.Name},
		Command: CommandRef{
			Id:         resolved.Command.Id,
			Name:       resolved.Command.Name,
			Executable: append([]string{}, resolved.Command.Executable...),
		},
		Applications:     applications,
		Resources:        resolved.Resources,
		Images:           resolved.Images,
		Environment:      environment(request, resolved, jobTags),
		Timeout:          timeout,
		ArchiveLocation:  strings.TrimSuffix(settings.ArchiveLocationPrefix, "/") + "/" + request.JobId,
		JobDirectory:     jobDirectory,
		ClusterCriteria:  clusterCriteria,
		CommandCriterion: commandCriterion,
		CreatedAt:        now,
	}}
}

func environment(request JobRequest, resolved Resolved, jobTags tags.Set) map[string]string {
	env := map[string]string{
		EnvVersion:              EnvironmentVersion,
		EnvClusterId:            resolved.Cluster.Id,
		EnvClusterName:          resolved.Cluster.Name,
		EnvClusterTags:          tagsToString(resolved.Cluster.Tags.Tags()),
		EnvCommandId:            resolved.Command.Id,
		EnvCommandName:          resolved.Command.Name,
		EnvCommandTags:          tagsToString(resolved.Command.Tags.Tags()),
		EnvJobId:                request.JobId,
		EnvJobName:              request.Name,
		EnvJobMemory:            strconv.FormatInt(resolved.Resources.MemoryMb, 10),
		EnvJobTags:              tagsToString(jobTags.Tags()),
		EnvJobGrouping:          request.Grouping,
		EnvJobGroupingInstance:  request.GroupingInstance,
		EnvRequestedCommandTags: tagsToString(request.CommandCriterion.Tags),
		EnvUser:                 request.User,
		EnvUserGroup:            request.Group,
	}
	perCriterion := make([]string, 0, len(request.ClusterCriteria))
	for i, criterion := range request.ClusterCriteria {
		joined := tagsToString(criterion.Tags)
		env[EnvRequestedClusterTags+"_"+strconv.Itoa(i)] = joined
		perCriterion = append(perCriterion, "["+joined+"]")
	}
	env[EnvRequestedClusterTags] = "[" + strings.Join(perCriterion, ",") + "]"
	return env
}

var quoteEscaper = strings.NewReplacer(`'`, `\'`, `"`, `\"`)

// tagsToString joins tags sorted and comma separated, escaping quotes so the value can be sourced by a shell.
func tagsToString(tagValues []string) string {
	sorted, err := tags.New(tagValues...)
	if err != nil {
		return ""
	}
	return quoteEscaper.Replace(strings.Join(sorted.Tags(), ","))
}
