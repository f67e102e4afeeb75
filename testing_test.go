package collab

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codehive.dev/collab/hub"
	"codehive.dev/collab/protocol"
)

// test harness: a real hub behind httptest, with clients connecting
// over actual websockets. Most properties here are cross-client, so
// exercising the full wire path is the point.

type testHarness struct {
	t           *testing.T
	server      *httptest.Server
	apiUrl      string
	realtimeUrl string
}

func newTestHarness(t *testing.T) *testHarness {
	h := hub.NewHubWithDefaults()
	server := httptest.NewServer(h.Router())
	t.Cleanup(server.Close)
	return &testHarness{
		t:           t,
		server:      server,
		apiUrl:      server.URL,
		realtimeUrl: "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime",
	}
}

func (self *testHarness) login(ctx context.Context, username string) (*Session, *WorkspaceApi) {
	api := NewWorkspaceApiWithContext(ctx, self.apiUrl)
	callback, result := NewBlockingApiCallback[*AuthLoginResult](ctx)
	api.AuthLogin(&AuthLoginArgs{
		Username: username,
		Password: "test-password",
	}, callback)
	r := <-result
	if r.Error != nil {
		self.t.Fatalf("login %s: %s", username, r.Error)
	}

	session, err := ParseSessionUnverified(r.Result.ByJwt)
	if err != nil {
		self.t.Fatalf("parse session: %s", err)
	}
	api.SetByJwt(r.Result.ByJwt)
	return session, api
}

func (self *testHarness) client(ctx context.Context, session *Session) *RealtimeClient {
	client := NewRealtimeClientWithDefaults(ctx, self.realtimeUrl, session.ByJwt)
	self.t.Cleanup(client.Close)
	waitFor(self.t, 5*time.Second, func() bool {
		return client.Status() == ConnectionStatusConnected
	})
	return client
}

func (self *testHarness) createProject(ctx context.Context, api *WorkspaceApi, name string) *protocol.ProjectRow {
	callback, result := NewBlockingApiCallback[*CreateProjectResult](ctx)
	api.CreateProject(&CreateProjectArgs{
		Name:       name,
		Visibility: protocol.VisibilityPrivate,
	}, callback)
	r := <-result
	if r.Error != nil {
		self.t.Fatalf("create project: %s", r.Error)
	}
	return r.Result.Project
}

func (self *testHarness) joinProject(ctx context.Context, api *WorkspaceApi, joinCode string) *protocol.ProjectRow {
	callback, result := NewBlockingApiCallback[*JoinProjectResult](ctx)
	api.JoinProject(&JoinProjectArgs{
		JoinCode: joinCode,
	}, callback)
	r := <-result
	if r.Error != nil {
		self.t.Fatalf("join project: %s", r.Error)
	}
	return r.Result.Project
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// holdFor asserts the condition stays true for the duration
func holdFor(t *testing.T, duration time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(duration)
	for time.Now().Before(end) {
		if !condition() {
			t.Fatalf("condition did not hold")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
