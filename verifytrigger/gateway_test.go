package verifytrigger

import (
	"context"
	"net/http"
	"testing"

	"github.com/mrmod/gerrit-verify/backend"
	"github.com/mrmod/gerrit-verify/gerrit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockedInterface struct {
	FunctionCallCounter map[string]int
}

type MockGerrit struct {
	*MockedInterface
	changes map[string]*gerrit.ChangeInfo
	groups  map[gerrit.AccountID][]gerrit.GroupInfo
}

func (m *MockGerrit) GetChange(_ context.Context, id string, _ ...gerrit.QueryOption) (*gerrit.ChangeInfo, error) {
	m.FunctionCallCounter["GetChange"]++
	if c, ok := m.changes[id]; ok {
		return c, nil
	}
	return nil, &gerrit.StatusError{StatusCode: http.StatusNotFound}
}

func (m *MockGerrit) AccountGroups(_ context.Context, id gerrit.AccountID) ([]gerrit.GroupInfo, error) {
	m.FunctionCallCounter["AccountGroups"]++
	return m.groups[id], nil
}

type MockTarget struct {
	*MockedInterface
	MockTrigger func(TriggerInput) error
	inputs      []TriggerInput
	hosts       []HostSettings
}

func (m *MockTarget) Name() string { return "mock" }

func (m *MockTarget) Trigger(_ context.Context, in TriggerInput) error {
	m.FunctionCallCounter["Trigger"]++
	m.inputs = append(m.inputs, in)
	if m.MockTrigger != nil {
		return m.MockTrigger(in)
	}
	return nil
}

type MockBackend struct {
	backend.Backend
	triggers []*backend.Trigger
}

func (b *MockBackend) SaveTrigger(_ context.Context, t *backend.Trigger) error {
	b.triggers = append(b.triggers, t)
	return nil
}

var (
	ada     = &gerrit.AccountInfo{AccountID: 1001, Name: "Ada Lovelace", Username: "ada", Email: "ada@example.com"}
	grace   = &gerrit.AccountInfo{AccountID: 1002, Name: "Grace Hopper", Username: "grace"}
	testSet = Settings{
		CanonicalWebURL: "https://gerrit.example.com/",
		PermittedGroups: []string{"ldap:cn=developers", "6a1e70e1a88782771a91808c8af9bbb7a9871389"},
		ProjectPrefixes: []string{"gda/", "dls-controls/"},
		Hosts: []HostSettings{
			{Hostname: "gerrit.example.com", JenkinsJobURL: "https://jenkins.example.com/job/verify", JenkinsJobToken: "s3cret"},
		},
	}
)

func newTestGateway() (*Gateway, *MockGerrit, *MockTarget, *MockBackend) {
	m := &MockGerrit{
		MockedInterface: &MockedInterface{map[string]int{}},
		changes: map[string]*gerrit.ChangeInfo{
			"1234": {Number: 1234, Project: "gda/gda-core", Status: gerrit.StatusNew, Topic: "build-456", CurrentRevision: "9f4c3a1b"},
			"1235": {Number: 1235, Project: "gda/gda-core", Status: gerrit.StatusMerged},
			"1236": {Number: 1236, Project: "other/thing", Status: gerrit.StatusNew},
		},
		groups: map[gerrit.AccountID][]gerrit.GroupInfo{
			ada.AccountID:   {{ID: "ldap%3Acn%3Ddevelopers", Name: "developers"}},
			grace.AccountID: {{ID: "global%3ARegistered-Users"}},
		},
	}
	target := &MockTarget{MockedInterface: &MockedInterface{map[string]int{}}}
	b := &MockBackend{}
	g := &Gateway{
		Changes:  m,
		Groups:   m,
		Backend:  b,
		Settings: func() Settings { return testSet },
		NewTarget: func(h HostSettings, _ *http.Client) (Target, error) {
			target.hosts = append(target.hosts, h)
			return target, nil
		},
	}
	return g, m, target, b
}

func TestUnauthenticatedCallerIsRejectedFirst(t *testing.T) {
	g, m, target, _ := newTestGateway()

	for _, caller := range []*gerrit.AccountInfo{nil, {}} {
		err := g.Apply(context.Background(), Request{Caller: caller, Change: "1234"})
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "Request rejected - user not authenticated", authErr.Message)
	}
	assert.Zero(t, m.FunctionCallCounter["GetChange"])
	assert.Zero(t, m.FunctionCallCounter["AccountGroups"])
	assert.Zero(t, target.FunctionCallCounter["Trigger"])
}

func TestClosedChangeIsRejected(t *testing.T) {
	g, m, target, _ := newTestGateway()

	err := g.Apply(context.Background(), Request{Caller: ada, Change: "1235"})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "Request rejected - change 1235 is not open", authErr.Message)
	assert.Zero(t, m.FunctionCallCounter["AccountGroups"])
	assert.Zero(t, target.FunctionCallCounter["Trigger"])
}

func TestDisallowedProjectIsRejectedBeforeGroups(t *testing.T) {
	g, m, target, _ := newTestGateway()

	err := g.Apply(context.Background(), Request{Caller: ada, Change: "1236"})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "Request rejected - change 1236 is in a non-triggerable project other/thing", authErr.Message)
	assert.Zero(t, m.FunctionCallCounter["AccountGroups"])
	assert.Zero(t, target.FunctionCallCounter["Trigger"])
}

func TestCallerOutsidePermittedGroupsIsRejected(t *testing.T) {
	g, m, target, _ := newTestGateway()

	err := g.Apply(context.Background(), Request{Caller: grace, Change: "1234"})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "Request rejected - change 1234, user 1002/Grace Hopper is not in an authorised group", authErr.Message)
	assert.Equal(t, 1, m.FunctionCallCounter["AccountGroups"])
	assert.Zero(t, target.FunctionCallCounter["Trigger"])
}

func TestPermittedCallerTriggersJob(t *testing.T) {
	g, _, target, b := newTestGateway()

	require.NoError(t, g.Apply(context.Background(), Request{Caller: ada, Change: "1234"}))
	require.Equal(t, 1, target.FunctionCallCounter["Trigger"])
	in := target.inputs[0]
	assert.Equal(t, "gerrit.example.com", in.Hostname)
	assert.Equal(t, 1234, in.Change.Number)
	assert.Equal(t, ada, in.Caller)
	assert.Equal(t, "https://jenkins.example.com/job/verify", target.hosts[0].JenkinsJobURL)

	require.Len(t, b.triggers, 1)
	assert.Equal(t, 1234, b.triggers[0].Change)
	assert.Equal(t, 1001, b.triggers[0].AccountID)
	assert.Equal(t, "mock", b.triggers[0].Target)
	assert.NotEmpty(t, b.triggers[0].ID)
}

func TestTargetFailuresPropagate(t *testing.T) {
	g, _, target, b := newTestGateway()
	target.MockTrigger = func(TriggerInput) error {
		return &NotFoundError{Message: "Failure triggering Jenkins test job (is Jenkins down?): x"}
	}

	err := g.Apply(context.Background(), Request{Caller: ada, Change: "1234"})
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Empty(t, b.triggers)
}

func TestUnknownChangeIsNotFound(t *testing.T) {
	g, _, _, _ := newTestGateway()

	err := g.Apply(context.Background(), Request{Caller: ada, Change: "9999"})
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestSettingsAreReadPerRequest(t *testing.T) {
	g, _, target, _ := newTestGateway()
	current := testSet
	g.Settings = func() Settings { return current }

	require.NoError(t, g.Apply(context.Background(), Request{Caller: ada, Change: "1234"}))

	current.ProjectPrefixes = []string{"dls-controls/"}
	err := g.Apply(context.Background(), Request{Caller: ada, Change: "1234"})
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, target.FunctionCallCounter["Trigger"])
}

func TestNewTargetSelectsByHost(t *testing.T) {
	target, err := NewTarget(HostSettings{JenkinsJobURL: "https://jenkins.example.com/job/verify"}, nil)
	require.NoError(t, err)
	assert.Equal(t, TargetJenkins, target.Name())

	target, err = NewTarget(HostSettings{
		Target:                TargetBuildkite,
		BuildkiteOrgSlug:      "dls",
		BuildkitePipelineSlug: "verify",
		BuildkiteAPIURL:       "https://api.buildkite.com/v2",
		BuildkiteAPIToken:     "token",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, TargetBuildkite, target.Name())

	_, err = NewTarget(HostSettings{Target: "travis"}, nil)
	assert.Error(t, err)

	assert.Equal(t, "s3cret", testSet.Host("GERRIT.example.com").JenkinsJobToken)
	assert.Empty(t, testSet.Host("elsewhere").JenkinsJobURL)
}

func TestProjectPrefixes(t *testing.T) {
	assert.True(t, hasPrefix("gda/gda-core", []string{"dls-controls/", "gda/"}))
	assert.False(t, hasPrefix("other/thing", []string{"dls-controls/", "gda/"}))
	assert.False(t, hasPrefix("gda/gda-core", nil), "no prefixes admit no project")
	assert.True(t, hasPrefix("other/thing", []string{""}), "an empty prefix admits every project")

	g, _, target, _ := newTestGateway()
	current := testSet
	current.ProjectPrefixes = []string{""}
	g.Settings = func() Settings { return current }
	require.NoError(t, g.Apply(context.Background(), Request{Caller: ada, Change: "1236"}))
	assert.Equal(t, 1, target.FunctionCallCounter["Trigger"])
}
