// Package verifytrigger lets a signed-in Gerrit user start the CI verify job
// of an open change.
package verifytrigger

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mrmod/gerrit-verify/backend"
	"github.com/mrmod/gerrit-verify/gerrit"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	TargetJenkins   = "jenkins"
	TargetBuildkite = "buildkite"
)

// ChangeService loads changes.
type ChangeService interface {
	GetChange(ctx context.Context, id string, options ...gerrit.QueryOption) (*gerrit.ChangeInfo, error)
}

// GroupService lists the groups an account is a member of.
type GroupService interface {
	AccountGroups(ctx context.Context, id gerrit.AccountID) ([]gerrit.GroupInfo, error)
}

// Target is a CI system able to start a verify job.
type Target interface {
	Name() string
	Trigger(context.Context, TriggerInput) error
}

// TriggerInput is everything a Target needs to start a job.
type TriggerInput struct {
	Hostname string
	Change   *gerrit.ChangeInfo
	Caller   *gerrit.AccountInfo
}

// HostSettings configures the CI job of one Gerrit server.
type HostSettings struct {
	Hostname string
	// Target is "jenkins" (default) or "buildkite".
	Target string

	JenkinsJobURL   string
	JenkinsJobToken string

	BuildkiteOrgSlug      string
	BuildkitePipelineSlug string
	BuildkiteAPIURL       string
	BuildkiteAPIToken     string
}

type Settings struct {
	// CanonicalWebURL is the public URL of the Gerrit server.
	CanonicalWebURL string
	PermittedGroups []string
	ProjectPrefixes []string
	Hosts           []HostSettings
}

// Host returns the settings for hostname; a zero value when none exist.
func (s Settings) Host(hostname string) HostSettings {
	for _, h := range s.Hosts {
		if strings.EqualFold(h.Hostname, hostname) {
			return h
		}
	}
	return HostSettings{Hostname: hostname}
}

// Request asks for the verify job of Change to run. Caller is nil for
// anonymous requests.
type Request struct {
	Caller *gerrit.AccountInfo
	Change string
}

type Gateway struct {
	Changes ChangeService
	Groups  GroupService
	// Backend records successful triggers. Optional.
	Backend backend.Backend
	// Settings returns the current configuration; it is called once per request.
	Settings func() Settings
	// HTTPClient is used by the Jenkins target.
	HTTPClient *http.Client
	// NewTarget builds the target for a host; defaults to NewTarget.
	NewTarget func(HostSettings, *http.Client) (Target, error)
}

// NewTarget builds the configured CI target of a host.
func NewTarget(h HostSettings, client *http.Client) (Target, error) {
	switch h.Target {
	case "", TargetJenkins:
		return &JenkinsTarget{JobURL: h.JenkinsJobURL, Token: h.JenkinsJobToken, Client: client}, nil
	case TargetBuildkite:
		return NewBuildkiteTarget(h.BuildkiteOrgSlug, h.BuildkitePipelineSlug, h.BuildkiteAPIURL, h.BuildkiteAPIToken, false)
	}
	return nil, errors.Errorf("unknown verify-trigger target %q for host %s", h.Target, h.Hostname)
}

func reject(result string, format string, args ...any) error {
	triggerRequests.WithLabelValues(result).Inc()
	return &AuthError{Message: fmt.Sprintf(format, args...)}
}

// Apply validates the request and starts the verify job. Checks run in
// order: authenticated caller, open change, permitted project, permitted
// group. The first failure is returned as an *AuthError.
func (g *Gateway) Apply(ctx context.Context, req Request) error {
	caller := req.Caller
	if caller == nil || caller.AccountID == 0 {
		log.Warn().Str("change", req.Change).Msg("Request rejected - user not authenticated")
		return reject("unauthenticated", "Request rejected - user not authenticated")
	}
	userDesc := caller.Describe()

	change, err := g.Changes.GetChange(ctx, req.Change, gerrit.CurrentRevision)
	if errors.Is(err, gerrit.ErrNotFound) {
		triggerRequests.WithLabelValues("not_found").Inc()
		return &NotFoundError{Message: fmt.Sprintf("Not found: %s", req.Change), Err: err}
	}
	if err != nil {
		triggerRequests.WithLabelValues("error").Inc()
		return errors.WithMessagef(err, "load change %s", req.Change)
	}

	settings := g.Settings()

	if !change.Open() {
		log.Warn().Int("change", change.Number).Str("user", userDesc).Msg("Request rejected - change is not open")
		return reject("not_open", "Request rejected - change %d is not open", change.Number)
	}

	if !hasPrefix(change.Project, settings.ProjectPrefixes) {
		log.Warn().
			Int("change", change.Number).
			Str("project", change.Project).
			Str("user", userDesc).
			Msg("Request rejected - change in non-triggerable project")
		return reject("project", "Request rejected - change %d is in a non-triggerable project %s", change.Number, change.Project)
	}

	groups, err := g.Groups.AccountGroups(ctx, caller.AccountID)
	if err != nil {
		triggerRequests.WithLabelValues("error").Inc()
		return errors.WithMessagef(err, "list groups of %s", userDesc)
	}
	if !inPermittedGroup(groups, settings.PermittedGroups) {
		log.Warn().Int("change", change.Number).Str("user", userDesc).Msg("Request rejected - user is not in an authorised group")
		return reject("group", "Request rejected - change %d, user %s is not in an authorised group", change.Number, userDesc)
	}

	web, err := url.Parse(settings.CanonicalWebURL)
	if err != nil || web.Hostname() == "" {
		triggerRequests.WithLabelValues("error").Inc()
		return errors.Errorf("canonical web url %q has no host", settings.CanonicalWebURL)
	}
	hostname := web.Hostname()

	newTarget := g.NewTarget
	if newTarget == nil {
		newTarget = NewTarget
	}
	target, err := newTarget(settings.Host(hostname), g.HTTPClient)
	if err != nil {
		triggerRequests.WithLabelValues("error").Inc()
		return err
	}
	if err := target.Trigger(ctx, TriggerInput{Hostname: hostname, Change: change, Caller: caller}); err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			triggerRequests.WithLabelValues("not_found").Inc()
		} else {
			triggerRequests.WithLabelValues("error").Inc()
		}
		return err
	}

	triggerRequests.WithLabelValues("ok").Inc()
	log.Info().
		Str("user", userDesc).
		Int("change", change.Number).
		Str("project", change.Project).
		Str("topic", change.Topic).
		Str("target", target.Name()).
		Msg("User triggered verify")
	g.record(ctx, change, caller, target.Name())
	return nil
}

func (g *Gateway) record(ctx context.Context, change *gerrit.ChangeInfo, caller *gerrit.AccountInfo, target string) {
	if g.Backend == nil {
		return
	}
	t := &backend.Trigger{
		ID:        uuid.NewString(),
		Change:    change.Number,
		Project:   change.Project,
		AccountID: int(caller.AccountID),
		Target:    target,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.Backend.SaveTrigger(ctx, t); err != nil {
		log.Warn().Err(err).Int("change", change.Number).Msg("Failed to record trigger")
	}
}

// hasPrefix reports whether project starts with one of prefixes. An empty
// prefix admits every project; an empty list admits none.
func hasPrefix(project string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(project, p) {
			return true
		}
	}
	return false
}

func inPermittedGroup(groups []gerrit.GroupInfo, permitted []string) bool {
	allowed := make(map[string]bool, len(permitted))
	for _, p := range permitted {
		allowed[p] = true
	}
	for _, g := range groups {
		if allowed[g.UUID()] {
			return true
		}
	}
	return false
}
