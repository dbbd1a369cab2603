package verifytrigger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// JenkinsTarget starts a parameterised Jenkins job through its remote
// trigger URL.
type JenkinsTarget struct {
	JobURL string
	Token  string
	Client *http.Client
}

func (j *JenkinsTarget) Name() string {
	return "jenkins"
}

// URL builds the buildWithParameters request for in.
func (j *JenkinsTarget) URL(in TriggerInput) (string, error) {
	u, err := url.Parse(j.JobURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return "", errors.Errorf("job url %q is not an absolute http(s) url", j.JobURL)
	}
	u = u.JoinPath("buildWithParameters")
	q := url.Values{}
	q.Set("token", j.Token)
	q.Set("gerrit_host", in.Hostname)
	q.Set("gerrit_change_number", fmt.Sprint(in.Change.Number))
	q.Set("gerrit_requesting_user", in.Caller.AccountID.String())
	q.Set("cause", "Triggered-from-"+in.Hostname)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Trigger fetches the job URL and discards the response.
func (j *JenkinsTarget) Trigger(ctx context.Context, in TriggerInput) error {
	full, err := j.URL(in)
	if err != nil {
		log.Error().Err(err).Str("jobUrl", j.JobURL).Int("change", in.Change.Number).Msg("Malformed Jenkins URL")
		return &NotFoundError{Message: "Failure triggering Jenkins test job (malformed URL): " + j.JobURL, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		err = redact(err)
		log.Error().Err(err).Str("jobUrl", j.JobURL).Int("change", in.Change.Number).Msg("Malformed Jenkins URL")
		return &NotFoundError{Message: "Failure triggering Jenkins test job (malformed URL): " + j.JobURL, Err: err}
	}

	client := j.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		err = redact(err)
		if errors.Is(err, syscall.ECONNREFUSED) {
			log.Error().Err(err).Str("jobUrl", j.JobURL).Msg("Failed getting URL (is Jenkins down?)")
			return &NotFoundError{Message: "Failure triggering Jenkins test job (is Jenkins down?): " + j.JobURL, Err: err}
		}
		return errors.Wrap(err, "trigger jenkins job "+j.JobURL)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	log.Debug().Int("statusCode", res.StatusCode).Str("jobUrl", j.JobURL).Msg("Jenkins trigger response")
	switch {
	case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone:
		log.Error().Int("statusCode", res.StatusCode).Str("jobUrl", j.JobURL).Msg("Failed getting URL (is Jenkins down?)")
		return &NotFoundError{Message: "Failure triggering Jenkins test job (is Jenkins down?): " + j.JobURL}
	case res.StatusCode >= 400:
		return errors.Errorf("trigger jenkins job: %s", res.Status)
	}
	return nil
}

// redact drops the request URL from a transport error. The URL carries the
// job token in its query.
func redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}
