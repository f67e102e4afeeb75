package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"codehive.dev/collab/protocol"
)

// Hub is the reference realtime provider + workspace api: the rest
// surface for project/node/member/chat crud and the websocket endpoint
// for the channel fan-out. The hosted platform provides the same
// boundary; this implementation backs local development and the
// integration tests.
type Hub struct {
	state *State
	rt    *realtime

	jwtSecret []byte
	jwtTtl    time.Duration

	router chi.Router
}

type HubSettings struct {
	JwtSecret      string
	JwtTtl         time.Duration
	AllowedOrigins []string
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		JwtSecret:      "dev-secret-do-not-deploy",
		JwtTtl:         24 * time.Hour,
		AllowedOrigins: []string{"*"},
	}
}

func NewHubWithDefaults() *Hub {
	return NewHub(DefaultHubSettings())
}

func NewHub(settings *HubSettings) *Hub {
	hub := &Hub{
		state:     NewState(),
		jwtSecret: []byte(settings.JwtSecret),
		jwtTtl:    settings.JwtTtl,
	}
	hub.rt = newRealtime(hub)

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   settings.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	router.Post("/auth/login", hub.handleLogin)

	router.Group(func(router chi.Router) {
		router.Use(hub.authMiddleware)

		router.Get("/realtime", hub.handleRealtime)

		router.Post("/projects", hub.handleCreateProject)
		router.Post("/projects/join", hub.handleJoinProject)
		router.Get("/projects/{projectId}", hub.handleGetProject)
		router.Get("/projects/{projectId}/nodes", hub.handleListNodes)
		router.Post("/projects/{projectId}/nodes", hub.handleCreateNode)
		router.Get("/projects/{projectId}/members", hub.handleListMembers)
		router.Delete("/projects/{projectId}/members/{userId}", hub.handleRemoveMember)
		router.Get("/projects/{projectId}/chat", hub.handleChatHistory)
		router.Post("/projects/{projectId}/chat", hub.handleSendChatMessage)

		router.Post("/nodes/{nodeId}/rename", hub.handleRenameNode)
		router.Post("/nodes/{nodeId}/content", hub.handleSaveNodeContent)
		router.Delete("/nodes/{nodeId}", hub.handleDeleteNode)

		router.Delete("/chat/{messageId}", hub.handleDeleteChatMessage)
	})

	hub.router = router
	return hub
}

func (self *Hub) Router() http.Handler {
	return self.router
}

// jwt

func (self *Hub) signJwt(user *User) (string, error) {
	claims := gojwt.MapClaims{
		"user_id":  user.UserId.String(),
		"username": user.Username,
		"exp":      time.Now().Add(self.jwtTtl).Unix(),
	}
	if user.AvatarUrl != "" {
		claims["avatar_url"] = user.AvatarUrl
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.jwtSecret)
}

func (self *Hub) verifyJwt(byJwt string) (*User, error) {
	token, err := gojwt.Parse(byJwt, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("bad signing method")
		}
		return self.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("bad token")
	}
	claims := token.Claims.(gojwt.MapClaims)
	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return nil, errors.New("missing user_id claim")
	}
	userId, err := uuid.Parse(userIdStr)
	if err != nil {
		return nil, err
	}
	user := self.state.User(userId)
	if user == nil {
		return nil, errors.New("unknown user")
	}
	return user, nil
}

type contextKey string

const contextKeyUser contextKey = "user"

func (self *Hub) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		byJwt := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			byJwt = strings.TrimPrefix(auth, "Bearer ")
		} else if token := r.URL.Query().Get("token"); token != "" {
			// websocket clients in browsers cannot set headers
			byJwt = token
		}
		if byJwt == "" {
			writeError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		user, err := self.verifyJwt(byJwt)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "bad credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyUser, user)))
	})
}

func requestUser(r *http.Request) *User {
	user, _ := r.Context().Value(contextKeyUser).(*User)
	return user
}

// response envelope: `{resource-key}` on success, `{"error":
// {"message"}}` on failure, with the status code distinguishing
// authorization failures from validation failures

func writeJson(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		glog.Infof("[hub]response encode error = %s\n", err)
	}
}

type errorBody struct {
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error *errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJson(w, statusCode, &errorEnvelope{
		Error: &errorBody{
			Message: message,
		},
	})
}

func writeStateError(w http.ResponseWriter, err error) {
	var validationErr *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "you don't have permission to do that")
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Message)
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, args any) bool {
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func urlUuid(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("bad %s", param))
		return uuid.UUID{}, false
	}
	return id, true
}

// requireMember gates project-scoped routes: non-members get 403
func (self *Hub) requireMember(w http.ResponseWriter, user *User, projectId uuid.UUID) *protocol.MemberRow {
	member := self.state.Member(projectId, user.UserId)
	if member == nil {
		writeError(w, http.StatusForbidden, "you are not a member of this project")
		return nil
	}
	return member
}

func (self *Hub) handleRealtime(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	self.rt.serve(w, r, user.UserId.String())
}
