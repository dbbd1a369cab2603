package verifytrigger

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/buildkite/go-buildkite/buildkite"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// BuildkiteTarget starts a build of the change's current revision on a
// Buildkite pipeline
type BuildkiteTarget struct {
	OrgSlug, PipelineSlug string
	ApiUrl                *url.URL
	ApiClient             *http.Client
}

// DefaultBuildkiteAPIURL is the public Buildkite REST API.
const DefaultBuildkiteAPIURL = "https://api.buildkite.com/"

func NewBuildkiteTarget(orgSlug, pipelineSlug, apiUrl, apiToken string, debug bool) (*BuildkiteTarget, error) {
	if apiUrl == "" {
		apiUrl = DefaultBuildkiteAPIURL
	}
	u, err := url.Parse(apiUrl)
	if err != nil {
		return nil, errors.Wrap(err, "parse buildkite api url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("buildkite api url must be absolute, got %q", apiUrl)
	}
	apiTransport, err := buildkite.NewTokenConfig(apiToken, debug)
	if err != nil {
		return nil, errors.Wrap(err, "create buildkite api client")
	}
	client := apiTransport.Client()
	client.Timeout = 30 * time.Second
	return &BuildkiteTarget{
		OrgSlug:      orgSlug,
		PipelineSlug: pipelineSlug,
		ApiUrl:       u,
		ApiClient:    client,
	}, nil
}

func (p *BuildkiteTarget) Name() string {
	return "buildkite"
}

// Trigger creates a build for the change
func (p *BuildkiteTarget) Trigger(ctx context.Context, in TriggerInput) error {
	commit := in.Change.CurrentRevision
	if commit == "" {
		commit = "HEAD"
	}
	request := &buildkite.CreateBuild{
		Commit:  commit,
		Branch:  in.Change.Branch,
		Message: fmt.Sprintf("Verify change %d: %s", in.Change.Number, in.Change.Subject),
		Author: buildkite.Author{
			Name:  in.Caller.Name,
			Email: in.Caller.Email,
		},
		Env: map[string]string{
			"GERRIT_HOST":            in.Hostname,
			"GERRIT_PROJECT":         in.Change.Project,
			"GERRIT_CHANGE_NUMBER":   fmt.Sprint(in.Change.Number),
			"GERRIT_REQUESTING_USER": in.Caller.AccountID.String(),
			"BUILDKITE_CAUSE":        "Triggered-from-" + in.Hostname,
		},
	}

	build, response, err := p.createBuild(p.ApiClient, request)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) || (response != nil && response.StatusCode == http.StatusNotFound) {
			log.Error().Err(err).
				Str("orgSlug", p.OrgSlug).
				Str("pipelineSlug", p.PipelineSlug).
				Msg("Failed creating Buildkite build (is Buildkite down?)")
			return &NotFoundError{
				Message: fmt.Sprintf("Failure triggering Buildkite build (is Buildkite down?): %s/%s", p.OrgSlug, p.PipelineSlug),
				Err:     err,
			}
		}
		return errors.Wrap(err, "create buildkite build")
	}
	if response.StatusCode != http.StatusCreated {
		return fmt.Errorf("failed to create build: %d", response.StatusCode)
	}
	log.Debug().
		Str("status", response.Status).
		Int("statusCode", response.StatusCode).
		Int("change", in.Change.Number).
		Msgf("Created Buildkite build")
	log.Trace().Any("build", build).Msg("Build created")
	return nil
}

func (p *BuildkiteTarget) createBuild(c *http.Client, request *buildkite.CreateBuild) (*buildkite.Build, *buildkite.Response, error) {
	bk := buildkite.NewClient(c)
	bk.BaseURL = p.ApiUrl
	// The token transport only signs requests sent to its APIHost.
	if t, ok := c.Transport.(*buildkite.TokenAuthTransport); ok {
		t.APIHost = p.ApiUrl.Host
	}
	return bk.Builds.Create(p.OrgSlug, p.PipelineSlug, request)
}
