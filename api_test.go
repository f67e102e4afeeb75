package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestApiSentinelErrors(t *testing.T) {
	harness := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// missing credentials map to the unauthorized sentinel
	api := NewWorkspaceApiWithContext(ctx, harness.apiUrl)
	callback, result := NewBlockingApiCallback[*GetProjectResult](ctx)
	api.GetProject(uuid.New(), callback)
	r := <-result
	assert.Equal(t, ErrUnauthorized, r.Error)

	// a private project is forbidden for non-members
	_, apiA := harness.login(ctx, "alice")
	_, apiB := harness.login(ctx, "bob")
	project := harness.createProject(ctx, apiA, "demo")

	callbackB, resultB := NewBlockingApiCallback[*GetProjectResult](ctx)
	apiB.GetProject(project.ProjectId, callbackB)
	rB := <-resultB
	assert.Equal(t, ErrForbidden, rB.Error)

	// validation failures surface the envelope message, not a sentinel
	joinCallback, joinResult := NewBlockingApiCallback[*JoinProjectResult](ctx)
	apiB.JoinProject(&JoinProjectArgs{
		JoinCode: "zzzzzzzz",
	}, joinCallback)
	rJoin := <-joinResult
	assert.NotEqual(t, nil, rJoin.Error)
	assert.NotEqual(t, ErrUnauthorized, rJoin.Error)
	assert.NotEqual(t, ErrForbidden, rJoin.Error)
}

func TestParseSessionUnverified(t *testing.T) {
	userId := uuid.New()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":    userId.String(),
		"username":   "alice",
		"avatar_url": "https://example.com/a.png",
	})
	byJwt, err := token.SignedString([]byte("any-secret"))
	assert.Equal(t, nil, err)

	session, err := ParseSessionUnverified(byJwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, userId, session.UserId)
	assert.Equal(t, "alice", session.Username)
	assert.Equal(t, "https://example.com/a.png", session.AvatarUrl)
	assert.Equal(t, byJwt, session.ByJwt)

	// user_id is required
	noUser := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"username": "alice",
	})
	byJwt, _ = noUser.SignedString([]byte("any-secret"))
	_, err = ParseSessionUnverified(byJwt)
	assert.NotEqual(t, nil, err)

	_, err = ParseSessionUnverified("not-a-jwt")
	assert.NotEqual(t, nil, err)
}
