package gerrit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// LabelVerified is the label this tool clears.
	LabelVerified = "Verified"

	NotifyNone  = "NONE"
	NotifyOwner = "OWNER"
	NotifyAll   = "ALL"

	runAsHeader = "X-Gerrit-RunAs"
)

// xssiPrefix is prepended by Gerrit to every JSON response body.
var xssiPrefix = []byte(")]}'")

var (
	ErrNotFound     = errors.New("gerrit: not found")
	ErrUnauthorized = errors.New("gerrit: unauthorized")
)

// QueryOption selects additional fields in change query results.
type QueryOption string

const (
	DetailedLabels   QueryOption = "DETAILED_LABELS"
	DetailedAccounts QueryOption = "DETAILED_ACCOUNTS"
	CurrentRevision  QueryOption = "CURRENT_REVISION"
)

type AccountID int

func (id AccountID) String() string {
	return strconv.Itoa(int(id))
}

type AccountInfo struct {
	AccountID AccountID `json:"_account_id"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Username  string    `json:"username,omitempty"`
}

// Describe renders the account as "id/name" for log and error messages.
func (a *AccountInfo) Describe() string {
	if a == nil {
		return "anonymous"
	}
	return fmt.Sprintf("%d/%s", a.AccountID, a.Name)
}

type ApprovalInfo struct {
	AccountInfo
	Value int `json:"value,omitempty"`
}

type LabelInfo struct {
	All []ApprovalInfo `json:"all,omitempty"`
}

type ChangeInfo struct {
	ID              string               `json:"id"`
	Project         string               `json:"project"`
	Branch          string               `json:"branch"`
	Topic           string               `json:"topic,omitempty"`
	ChangeID        string               `json:"change_id"`
	Subject         string               `json:"subject"`
	Status          string               `json:"status"`
	Number          int                  `json:"_number"`
	Owner           AccountInfo          `json:"owner"`
	Labels          map[string]LabelInfo `json:"labels,omitempty"`
	CurrentRevision string               `json:"current_revision,omitempty"`
	MoreChanges     bool                 `json:"_more_changes,omitempty"`
}

// Open reports whether the change is still under review.
func (c *ChangeInfo) Open() bool {
	return c.Status == StatusNew
}

type GroupInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// UUID returns the group UUID; the REST API reports it URL encoded.
func (g GroupInfo) UUID() string {
	if uuid, err := url.QueryUnescape(g.ID); err == nil {
		return uuid
	}
	return g.ID
}

type DeleteVoteInput struct {
	Label  string `json:"label,omitempty"`
	Notify string `json:"notify,omitempty"`
}

// StatusError is returned for any non-2xx response from Gerrit.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gerrit %s %s: %d %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// TopicQuery returns the search for open changes in topic that carry a
// non-zero Verified vote.
func TopicQuery(topic string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(topic)
	return fmt.Sprintf(`status:open topic:"%s" (label:Verified-1 OR label:Verified+1)`, escaped)
}

// RESTClient talks to the authenticated (/a/) Gerrit REST API.
type RESTClient struct {
	baseURL  string
	username string
	password string
	client   *retryablehttp.Client
}

type Option func(*RESTClient)

// WithHTTPClient sets the underlying transport client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *RESTClient) {
		r.client.HTTPClient = c
	}
}

// WithRetryMax sets how often failed requests are retried.
func WithRetryMax(n int) Option {
	return func(r *RESTClient) {
		r.client.RetryMax = n
	}
}

func NewRESTClient(baseURL, username, password string, opts ...Option) (*RESTClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse gerrit url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("gerrit url must be absolute, got %q", baseURL)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = leveledLogger{log.Logger.With().Str("client", "gerrit").Logger()}

	r := &RESTClient{
		baseURL:  strings.TrimRight(u.String(), "/"),
		username: username,
		password: password,
		client:   client,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// BaseURL returns the canonical web URL of the server.
func (r *RESTClient) BaseURL() string {
	return r.baseURL
}

type request struct {
	method   string
	path     string
	query    url.Values
	body     any
	runAs    AccountID
	username string
	password string
}

func (r *RESTClient) do(ctx context.Context, req request, out any) error {
	target := r.baseURL + "/a" + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return errors.Wrap(err, "build gerrit request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}
	if req.runAs != 0 {
		httpReq.Header.Set(runAsHeader, req.runAs.String())
	}
	username, password := r.username, r.password
	if req.username != "" {
		username, password = req.username, req.password
	}
	httpReq.SetBasicAuth(username, password)

	log.Trace().Str("method", req.method).Str("path", req.path).Msg("Gerrit request")
	res, err := r.client.Do(httpReq)
	if err != nil {
		return errors.WithMessagef(err, "gerrit %s %s", req.method, req.path)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrap(err, "read gerrit response")
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{
			StatusCode: res.StatusCode,
			Method:     req.method,
			Path:       req.path,
			Body:       string(data),
		}
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	data = bytes.TrimPrefix(data, xssiPrefix)
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decode gerrit %s %s", req.method, req.path)
	}
	return nil
}

func optionValues(options []QueryOption) url.Values {
	v := url.Values{}
	for _, o := range options {
		v.Add("o", string(o))
	}
	return v
}

// QueryChanges runs a change search. A limit <= 0 leaves the server default.
func (r *RESTClient) QueryChanges(ctx context.Context, query string, limit int, options ...QueryOption) ([]ChangeInfo, error) {
	v := optionValues(options)
	v.Set("q", query)
	if limit > 0 {
		v.Set("n", strconv.Itoa(limit))
	}
	changes := []ChangeInfo{}
	if err := r.do(ctx, request{method: http.MethodGet, path: "/changes/", query: v}, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// GetChange fetches a single change by number or change identifier.
func (r *RESTClient) GetChange(ctx context.Context, id string, options ...QueryOption) (*ChangeInfo, error) {
	change := &ChangeInfo{}
	req := request{
		method: http.MethodGet,
		path:   "/changes/" + url.PathEscape(id),
		query:  optionValues(options),
	}
	if err := r.do(ctx, req, change); err != nil {
		return nil, err
	}
	return change, nil
}

// DeleteVote removes the vote of reviewer on label, acting as runAs.
func (r *RESTClient) DeleteVote(ctx context.Context, runAs AccountID, change, reviewer, label string, input *DeleteVoteInput) error {
	path := fmt.Sprintf("/changes/%s/reviewers/%s/votes/%s/delete",
		url.PathEscape(change), url.PathEscape(reviewer), url.PathEscape(label))
	return r.do(ctx, request{method: http.MethodPost, path: path, body: input, runAs: runAs}, nil)
}

// GetAccount resolves an account by username, email or id.
func (r *RESTClient) GetAccount(ctx context.Context, id string) (*AccountInfo, error) {
	account := &AccountInfo{}
	if err := r.do(ctx, request{method: http.MethodGet, path: "/accounts/" + url.PathEscape(id)}, account); err != nil {
		return nil, err
	}
	return account, nil
}

// AccountGroups lists the groups the account is a member of.
func (r *RESTClient) AccountGroups(ctx context.Context, id AccountID) ([]GroupInfo, error) {
	groups := []GroupInfo{}
	if err := r.do(ctx, request{method: http.MethodGet, path: "/accounts/" + id.String() + "/groups"}, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// Self authenticates with the given credentials and returns their account.
func (r *RESTClient) Self(ctx context.Context, username, password string) (*AccountInfo, error) {
	account := &AccountInfo{}
	req := request{method: http.MethodGet, path: "/accounts/self", username: username, password: password}
	if err := r.do(ctx, req, account); err != nil {
		return nil, err
	}
	return account, nil
}

// leveledLogger routes retryablehttp logging into zerolog.
type leveledLogger struct {
	zerolog.Logger
}

func (l leveledLogger) emit(e *zerolog.Event, msg string, keysAndValues []interface{}) {
	e.Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.emit(l.Logger.Error(), msg, keysAndValues)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.emit(l.Logger.Debug(), msg, keysAndValues)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.emit(l.Logger.Trace(), msg, keysAndValues)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.emit(l.Logger.Warn(), msg, keysAndValues)
}
