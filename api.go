package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"codehive.dev/collab/protocol"
)

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		select {
		case c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}:
		case <-ctx.Done():
		}
	})
	return apiCallback, c
}

// ApiError is the error envelope of the workspace api. Authorization
// failures (401/403) are mapped to sentinel errors before this is
// consulted; validation failures (400) carry a user-facing message.
type ApiError struct {
	Message string `json:"message"`
}

type apiErrorEnvelope struct {
	Error *ApiError `json:"error,omitempty"`
}

// WorkspaceApi is the request/response client of the authoritative
// persistence api: project, node, member and chat crud. All calls are
// asynchronous with a result callback; use `NewBlockingApiCallback`
// at synchronous call sites.
type WorkspaceApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewWorkspaceApi(apiUrl string) *WorkspaceApi {
	return NewWorkspaceApiWithContext(context.Background(), apiUrl)
}

func NewWorkspaceApiWithContext(ctx context.Context, apiUrl string) *WorkspaceApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WorkspaceApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *WorkspaceApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *WorkspaceApi) Close() {
	self.cancel()
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	ByJwt     string    `json:"by_jwt,omitempty"`
	UserId    uuid.UUID `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	AvatarUrl string    `json:"avatar_url,omitempty"`
	Error     *ApiError `json:"error,omitempty"`
}

func (self *WorkspaceApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		callback,
	)
}

type GetProjectCallback apiCallback[*GetProjectResult]

type GetProjectResult struct {
	Project *protocol.ProjectRow `json:"project,omitempty"`
	Error   *ApiError            `json:"error,omitempty"`
}

func (self *WorkspaceApi) GetProject(projectId uuid.UUID, callback GetProjectCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/projects/%s", self.apiUrl, projectId),
		self.byJwt,
		&GetProjectResult{},
		callback,
	)
}

type CreateProjectCallback apiCallback[*CreateProjectResult]

type CreateProjectArgs struct {
	Name       string                     `json:"name"`
	Visibility protocol.ProjectVisibility `json:"visibility"`
}

type CreateProjectResult struct {
	Project *protocol.ProjectRow `json:"project,omitempty"`
	Error   *ApiError            `json:"error,omitempty"`
}

func (self *WorkspaceApi) CreateProject(createProject *CreateProjectArgs, callback CreateProjectCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/projects", self.apiUrl),
		createProject,
		self.byJwt,
		&CreateProjectResult{},
		callback,
	)
}

type JoinProjectCallback apiCallback[*JoinProjectResult]

type JoinProjectArgs struct {
	JoinCode string `json:"join_code"`
}

type JoinProjectResult struct {
	Project *protocol.ProjectRow `json:"project,omitempty"`
	Error   *ApiError            `json:"error,omitempty"`
}

func (self *WorkspaceApi) JoinProject(joinProject *JoinProjectArgs, callback JoinProjectCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/projects/join", self.apiUrl),
		joinProject,
		self.byJwt,
		&JoinProjectResult{},
		callback,
	)
}

type ListNodesCallback apiCallback[*ListNodesResult]

type ListNodesResult struct {
	Nodes []*protocol.NodeRow `json:"nodes,omitempty"`
	Error *ApiError           `json:"error,omitempty"`
}

func (self *WorkspaceApi) ListNodes(projectId uuid.UUID, callback ListNodesCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/projects/%s/nodes", self.apiUrl, projectId),
		self.byJwt,
		&ListNodesResult{},
		callback,
	)
}

type CreateNodeCallback apiCallback[*CreateNodeResult]

type CreateNodeArgs struct {
	ParentId *uuid.UUID        `json:"parent_id,omitempty"`
	Name     string            `json:"name"`
	Type     protocol.NodeType `json:"type"`
	Language string            `json:"language,omitempty"`
}

type CreateNodeResult struct {
	Node  *protocol.NodeRow `json:"node,omitempty"`
	Error *ApiError         `json:"error,omitempty"`
}

func (self *WorkspaceApi) CreateNode(projectId uuid.UUID, createNode *CreateNodeArgs, callback CreateNodeCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/projects/%s/nodes", self.apiUrl, projectId),
		createNode,
		self.byJwt,
		&CreateNodeResult{},
		callback,
	)
}

type RenameNodeCallback apiCallback[*RenameNodeResult]

type RenameNodeArgs struct {
	Name string `json:"name"`
}

type RenameNodeResult struct {
	Node  *protocol.NodeRow `json:"node,omitempty"`
	Error *ApiError         `json:"error,omitempty"`
}

func (self *WorkspaceApi) RenameNode(nodeId uuid.UUID, renameNode *RenameNodeArgs, callback RenameNodeCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/nodes/%s/rename", self.apiUrl, nodeId),
		renameNode,
		self.byJwt,
		&RenameNodeResult{},
		callback,
	)
}

type SaveNodeContentCallback apiCallback[*SaveNodeContentResult]

type SaveNodeContentArgs struct {
	Content string `json:"content"`
}

type SaveNodeContentResult struct {
	Node  *protocol.NodeRow `json:"node,omitempty"`
	Error *ApiError         `json:"error,omitempty"`
}

func (self *WorkspaceApi) SaveNodeContent(nodeId uuid.UUID, saveNodeContent *SaveNodeContentArgs, callback SaveNodeContentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/nodes/%s/content", self.apiUrl, nodeId),
		saveNodeContent,
		self.byJwt,
		&SaveNodeContentResult{},
		callback,
	)
}

type DeleteNodeCallback apiCallback[*DeleteNodeResult]

type DeleteNodeResult struct {
	Error *ApiError `json:"error,omitempty"`
}

// the server cascades the delete to descendants; the feed announces
// one delete event per removed node
func (self *WorkspaceApi) DeleteNode(nodeId uuid.UUID, callback DeleteNodeCallback) {
	go httpDelete(
		self.ctx,
		fmt.Sprintf("%s/nodes/%s", self.apiUrl, nodeId),
		self.byJwt,
		&DeleteNodeResult{},
		callback,
	)
}

type ListMembersCallback apiCallback[*ListMembersResult]

type ListMembersResult struct {
	Members []*protocol.MemberRow `json:"members,omitempty"`
	Error   *ApiError             `json:"error,omitempty"`
}

func (self *WorkspaceApi) ListMembers(projectId uuid.UUID, callback ListMembersCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/projects/%s/members", self.apiUrl, projectId),
		self.byJwt,
		&ListMembersResult{},
		callback,
	)
}

type RemoveMemberCallback apiCallback[*RemoveMemberResult]

type RemoveMemberResult struct {
	Error *ApiError `json:"error,omitempty"`
}

func (self *WorkspaceApi) RemoveMember(projectId uuid.UUID, userId uuid.UUID, callback RemoveMemberCallback) {
	go httpDelete(
		self.ctx,
		fmt.Sprintf("%s/projects/%s/members/%s", self.apiUrl, projectId, userId),
		self.byJwt,
		&RemoveMemberResult{},
		callback,
	)
}

type ChatHistoryCallback apiCallback[*ChatHistoryResult]

type ChatHistoryResult struct {
	// ordered by creation time ascending
	Messages []*protocol.ChatMessageRow `json:"messages,omitempty"`
	Error    *ApiError                  `json:"error,omitempty"`
}

func (self *WorkspaceApi) ChatHistory(projectId uuid.UUID, callback ChatHistoryCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/projects/%s/chat", self.apiUrl, projectId),
		self.byJwt,
		&ChatHistoryResult{},
		callback,
	)
}

type SendChatMessageCallback apiCallback[*SendChatMessageResult]

type SendChatMessageArgs struct {
	Message   string `json:"message"`
	Username  string `json:"username"`
	AvatarUrl string `json:"avatar_url,omitempty"`
}

type SendChatMessageResult struct {
	Message *protocol.ChatMessageRow `json:"message,omitempty"`
	Error   *ApiError                `json:"error,omitempty"`
}

// persists the row only. Propagation is solely the chat row feed, so
// the sender's message renders through the same path as everyone
// else's.
func (self *WorkspaceApi) SendChatMessage(projectId uuid.UUID, sendChatMessage *SendChatMessageArgs, callback SendChatMessageCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/projects/%s/chat", self.apiUrl, projectId),
		sendChatMessage,
		self.byJwt,
		&SendChatMessageResult{},
		callback,
	)
}

type DeleteChatMessageCallback apiCallback[*DeleteChatMessageResult]

type DeleteChatMessageResult struct {
	Error *ApiError `json:"error,omitempty"`
}

func (self *WorkspaceApi) DeleteChatMessage(messageId uuid.UUID, callback DeleteChatMessageCallback) {
	go httpDelete(
		self.ctx,
		fmt.Sprintf("%s/chat/%s", self.apiUrl, messageId),
		self.byJwt,
		&DeleteChatMessageResult{},
		callback,
	)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "POST", url, args, byJwt, result, callback)
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "GET", url, nil, byJwt, result, callback)
}

func httpDelete[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, "DELETE", url, nil, byJwt, result, callback)
}

func request[R any](
	ctx context.Context,
	method string,
	url string,
	args any,
	byJwt string,
	result R,
	callback apiCallback[R],
) (R, error) {
	var requestBody io.Reader
	if args != nil {
		argsJson, err := json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
		requestBody = bytes.NewBuffer(argsJson)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, requestBody)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	req.Header.Set("Content-Type", "application/json")
	if byJwt != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	r, err := defaultClient().Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBody, err := io.ReadAll(r.Body)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	// authorization failures are distinct from validation failures
	switch {
	case r.StatusCode == http.StatusUnauthorized:
		var empty R
		callback.Result(empty, ErrUnauthorized)
		return empty, ErrUnauthorized
	case r.StatusCode == http.StatusForbidden:
		var empty R
		callback.Result(empty, ErrForbidden)
		return empty, ErrForbidden
	case 400 <= r.StatusCode:
		envelope := &apiErrorEnvelope{}
		json.Unmarshal(responseBody, envelope)
		if envelope.Error != nil {
			err = fmt.Errorf("%s", envelope.Error.Message)
		} else {
			err = fmt.Errorf("api error (%d)", r.StatusCode)
		}
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if err := json.Unmarshal(responseBody, result); err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
