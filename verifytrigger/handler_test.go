package verifytrigger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/mrmod/gerrit-verify/gerrit"
	"github.com/steinfletcher/apitest"
)

type MockAuth struct {
	passwords map[string]string
	accounts  map[string]*gerrit.AccountInfo
}

func (m MockAuth) Self(_ context.Context, username, password string) (*gerrit.AccountInfo, error) {
	if m.passwords[username] != password {
		return nil, &gerrit.StatusError{StatusCode: http.StatusUnauthorized}
	}
	return m.accounts[username], nil
}

func newTestRouter() (http.Handler, *MockTarget) {
	g, _, target, _ := newTestGateway()
	auth := MockAuth{
		passwords: map[string]string{"ada": "hunter2", "grace": "cobol"},
		accounts:  map[string]*gerrit.AccountInfo{"ada": ada, "grace": grace},
	}
	return NewRouter(&Handler{Gateway: g, Auth: auth}), target
}

func bodyContains(s string) func(*http.Response, *http.Request) error {
	return func(res *http.Response, _ *http.Request) error {
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		if !strings.Contains(string(data), s) {
			return fmt.Errorf("body %q does not contain %q", data, s)
		}
		return nil
	}
}

func TestServeTriggerAnonymousIsForbidden(t *testing.T) {
	router, target := newTestRouter()

	apitest.New().
		Handler(router).
		Get("/changes/1234/verifytrigger").
		Expect(t).
		Status(http.StatusForbidden).
		Assert(bodyContains("user not authenticated")).
		End()

	// Wrong credentials are treated as anonymous
	apitest.New().
		Handler(router).
		Get("/changes/1234/verifytrigger").
		BasicAuth("ada", "wrong").
		Expect(t).
		Status(http.StatusForbidden).
		End()

	if c := target.FunctionCallCounter["Trigger"]; c != 0 {
		t.Errorf("Expected Trigger to be called zero times, but it was called %d times", c)
	}
}

func TestServeTriggerSuccess(t *testing.T) {
	router, target := newTestRouter()

	apitest.New().
		Handler(router).
		Get("/changes/1234/verifytrigger").
		BasicAuth("ada", "hunter2").
		Expect(t).
		Status(http.StatusOK).
		Body("").
		End()

	if c := target.FunctionCallCounter["Trigger"]; c != 1 {
		t.Errorf("Expected Trigger to be called once, but it was called %d times", c)
	}
}

func TestServeTriggerStatusMapping(t *testing.T) {
	router, target := newTestRouter()

	apitest.New().
		Handler(router).
		Get("/changes/1236/verifytrigger").
		BasicAuth("ada", "hunter2").
		Expect(t).
		Status(http.StatusForbidden).
		Assert(bodyContains("non-triggerable project other/thing")).
		End()

	apitest.New().
		Handler(router).
		Get("/changes/9999/verifytrigger").
		BasicAuth("ada", "hunter2").
		Expect(t).
		Status(http.StatusNotFound).
		End()

	target.MockTrigger = func(TriggerInput) error {
		return &NotFoundError{Message: "Failure triggering Jenkins test job (is Jenkins down?): https://jenkins.example.com/job/verify"}
	}
	apitest.New().
		Handler(router).
		Get("/changes/1234/verifytrigger").
		BasicAuth("ada", "hunter2").
		Expect(t).
		Status(http.StatusNotFound).
		Assert(bodyContains("is Jenkins down?")).
		End()

	target.MockTrigger = func(TriggerInput) error {
		return fmt.Errorf("read: connection reset by peer")
	}
	apitest.New().
		Handler(router).
		Get("/changes/1234/verifytrigger").
		BasicAuth("ada", "hunter2").
		Expect(t).
		Status(http.StatusInternalServerError).
		End()
}

func TestReadOnlyEndpoint(t *testing.T) {
	router, _ := newTestRouter()

	apitest.New().
		Handler(router).
		Post("/changes/1234/verifytrigger").
		BasicAuth("ada", "hunter2").
		Expect(t).
		Status(http.StatusMethodNotAllowed).
		End()

	apitest.New().
		Handler(router).
		Get("/healthz").
		Expect(t).
		Status(http.StatusOK).
		End()
}
