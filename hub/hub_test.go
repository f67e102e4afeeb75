package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"

	"codehive.dev/collab/protocol"
)

func testRequest(
	t *testing.T,
	server *httptest.Server,
	method string,
	path string,
	byJwt string,
	args any,
	result any,
) int {
	t.Helper()

	var body *bytes.Buffer
	if args != nil {
		argsJson, err := json.Marshal(args)
		assert.Equal(t, nil, err)
		body = bytes.NewBuffer(argsJson)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, server.URL+path, body)
	assert.Equal(t, nil, err)
	req.Header.Set("Content-Type", "application/json")
	if byJwt != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}
	r, err := http.DefaultClient.Do(req)
	assert.Equal(t, nil, err)
	defer r.Body.Close()
	if result != nil {
		json.NewDecoder(r.Body).Decode(result)
	}
	return r.StatusCode
}

type loginBody struct {
	ByJwt  string `json:"by_jwt"`
	UserId string `json:"user_id"`
}

func testLogin(t *testing.T, server *httptest.Server, username string) *loginBody {
	t.Helper()
	login := &loginBody{}
	statusCode := testRequest(t, server, "POST", "/auth/login", "", map[string]string{
		"username": username,
		"password": "pw",
	}, login)
	assert.Equal(t, http.StatusOK, statusCode)
	assert.NotEqual(t, "", login.ByJwt)
	return login
}

func TestRestAuthMapping(t *testing.T) {
	hub := NewHubWithDefaults()
	server := httptest.NewServer(hub.Router())
	defer server.Close()

	alice := testLogin(t, server, "alice")

	// a wrong password is an authentication failure, not validation
	envelope := &errorEnvelope{}
	statusCode := testRequest(t, server, "POST", "/auth/login", "", map[string]string{
		"username": "alice",
		"password": "other",
	}, envelope)
	assert.Equal(t, http.StatusUnauthorized, statusCode)
	assert.NotEqual(t, "", envelope.Error.Message)

	// a blank username is validation
	statusCode = testRequest(t, server, "POST", "/auth/login", "", map[string]string{
		"username": " ",
		"password": "pw",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, statusCode)

	// authed routes reject missing and bad credentials
	statusCode = testRequest(t, server, "POST", "/projects", "", map[string]string{
		"name": "demo",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, statusCode)
	statusCode = testRequest(t, server, "POST", "/projects", "not-a-jwt", map[string]string{
		"name": "demo",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, statusCode)

	// project access: a private project is hidden from non-members
	createResult := &struct {
		Project *protocol.ProjectRow `json:"project"`
	}{}
	statusCode = testRequest(t, server, "POST", "/projects", alice.ByJwt, map[string]string{
		"name":       "demo",
		"visibility": "private",
	}, createResult)
	assert.Equal(t, http.StatusCreated, statusCode)

	bob := testLogin(t, server, "bob")
	statusCode = testRequest(t, server, "GET", fmt.Sprintf("/projects/%s", createResult.Project.ProjectId), bob.ByJwt, nil, nil)
	assert.Equal(t, http.StatusForbidden, statusCode)

	// joining with the code grants access
	statusCode = testRequest(t, server, "POST", "/projects/join", bob.ByJwt, map[string]string{
		"join_code": createResult.Project.JoinCode,
	}, nil)
	assert.Equal(t, http.StatusOK, statusCode)
	statusCode = testRequest(t, server, "GET", fmt.Sprintf("/projects/%s", createResult.Project.ProjectId), bob.ByJwt, nil, nil)
	assert.Equal(t, http.StatusOK, statusCode)

	// a bad join code is validation with a message in the envelope
	envelope = &errorEnvelope{}
	statusCode = testRequest(t, server, "POST", "/projects/join", bob.ByJwt, map[string]string{
		"join_code": "zzzzzzzz",
	}, envelope)
	assert.Equal(t, http.StatusBadRequest, statusCode)
	assert.NotEqual(t, "", envelope.Error.Message)
}
