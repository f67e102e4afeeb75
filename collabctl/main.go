package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/google/uuid"

	collab "codehive.dev/collab"
	"codehive.dev/collab/protocol"
)

const CollabCtlVersion = "0.1.0"

const DefaultApiUrl = "http://localhost:8090"
const DefaultRealtimeUrl = "ws://localhost:8090/realtime"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Codehive workspace control.

The default urls are:
    api_url: http://localhost:8090
    realtime_url: ws://localhost:8090/realtime

Usage:
    collabctl login [--api_url=<api_url>] --username=<username> [--password=<password>]
    collabctl create-project [--api_url=<api_url>] --jwt=<jwt>
        --name=<name> [--visibility=<visibility>]
    collabctl join [--api_url=<api_url>] --jwt=<jwt> <join_code>
    collabctl watch [--api_url=<api_url>] [--realtime_url=<realtime_url>]
        --jwt=<jwt> --project=<project_id>
    collabctl chat [--api_url=<api_url>] [--realtime_url=<realtime_url>]
        --jwt=<jwt> --project=<project_id> [<message>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --realtime_url=<realtime_url>
    --jwt=<jwt>                Your workspace JWT.
    --username=<username>
    --password=<password>
    --name=<name>              Project name.
    --visibility=<visibility>  public or private [default: private].
    --project=<project_id>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if createProject_, _ := opts.Bool("create-project"); createProject_ {
		createProject(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if chat_, _ := opts.Bool("chat"); chat_ {
		chat(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		return apiUrlAny.(string)
	}
	return DefaultApiUrl
}

func realtimeUrl(opts docopt.Opts) string {
	if realtimeUrlAny := opts["--realtime_url"]; realtimeUrlAny != nil {
		return realtimeUrlAny.(string)
	}
	return DefaultRealtimeUrl
}

func requireSession(opts docopt.Opts) (*collab.Session, *collab.WorkspaceApi) {
	byJwt := opts["--jwt"].(string)
	session, err := collab.ParseSessionUnverified(byJwt)
	if err != nil {
		Err.Fatalf("bad jwt: %s", err)
	}
	api := collab.NewWorkspaceApi(apiUrl(opts))
	api.SetByJwt(byJwt)
	return session, api
}

func requireProjectId(opts docopt.Opts) uuid.UUID {
	projectId, err := uuid.Parse(opts["--project"].(string))
	if err != nil {
		Err.Fatalf("bad project id: %s", err)
	}
	return projectId
}

func login(opts docopt.Opts) {
	username := opts["--username"].(string)

	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else {
		fmt.Print("Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		password = string(passwordBytes)
		fmt.Printf("\n")
	}

	api := collab.NewWorkspaceApi(apiUrl(opts))
	callback, result := collab.NewBlockingApiCallback[*collab.AuthLoginResult](context.Background())
	api.AuthLogin(&collab.AuthLoginArgs{
		Username: username,
		Password: password,
	}, callback)

	r := <-result
	if r.Error != nil {
		Err.Fatalf("login error: %s", r.Error)
	}
	Out.Printf("user_id: %s", r.Result.UserId)
	Out.Printf("by_jwt: %s", r.Result.ByJwt)
}

func createProject(opts docopt.Opts) {
	_, api := requireSession(opts)
	name := opts["--name"].(string)
	visibility := protocol.ProjectVisibility(opts["--visibility"].(string))

	callback, result := collab.NewBlockingApiCallback[*collab.CreateProjectResult](context.Background())
	api.CreateProject(&collab.CreateProjectArgs{
		Name:       name,
		Visibility: visibility,
	}, callback)

	r := <-result
	if r.Error != nil {
		Err.Fatalf("create error: %s", r.Error)
	}
	Out.Printf("project_id: %s", r.Result.Project.ProjectId)
	Out.Printf("join_code: %s", r.Result.Project.JoinCode)
}

func join(opts docopt.Opts) {
	_, api := requireSession(opts)
	joinCode := opts["<join_code>"].(string)

	callback, result := collab.NewBlockingApiCallback[*collab.JoinProjectResult](context.Background())
	api.JoinProject(&collab.JoinProjectArgs{
		JoinCode: joinCode,
	}, callback)

	r := <-result
	if r.Error != nil {
		Err.Fatalf("join error: %s", r.Error)
	}
	Out.Printf("joined project %s (%s)", r.Result.Project.Name, r.Result.Project.ProjectId)
}

type stdoutNotifier struct{}

func (self *stdoutNotifier) Notify(message string) {
	Out.Printf("* %s", message)
}

func watch(opts docopt.Opts) {
	session, api := requireSession(opts)
	projectId := requireProjectId(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()

	client := collab.NewRealtimeClientWithDefaults(cancelCtx, realtimeUrl(opts), session.ByJwt)
	defer client.Close()

	workspace, err := collab.EnterWorkspaceWithDefaults(
		cancelCtx,
		client,
		api,
		session,
		projectId,
		&stdoutNotifier{},
		func() {
			Out.Printf("you were removed from this project")
			cancel()
		},
	)
	if err != nil {
		Err.Fatalf("enter error: %s", err)
	}
	defer workspace.Close()

	Out.Printf("watching %s as %s", projectId, session.Username)
	for _, node := range workspace.Store().Nodes() {
		Out.Printf("  %s %s", node.Type, node.Name)
	}

	chatPanel, err := workspace.OpenChat(cancelCtx, &collab.ChatPanelHandlers{
		OnAppend: func(message *protocol.ChatMessageRow) {
			Out.Printf("<%s> %s", message.Username, message.Message)
		},
	})
	if err != nil {
		Err.Fatalf("chat error: %s", err)
	}
	defer chatPanel.Close()

	go func() {
		for {
			notify := workspace.RosterMonitor().NotifyChannel()
			select {
			case <-cancelCtx.Done():
				return
			case <-notify:
				roster := workspace.Roster()
				names := []string{}
				for _, info := range roster {
					names = append(names, info.Username)
				}
				Out.Printf("online (%d): %v", len(roster), names)
			}
		}
	}()

	<-cancelCtx.Done()
}

func chat(opts docopt.Opts) {
	session, api := requireSession(opts)
	projectId := requireProjectId(opts)

	message := ""
	if messageAny := opts["<message>"]; messageAny != nil {
		message = messageAny.(string)
	}
	if message == "" {
		Err.Fatalf("nothing to send")
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := collab.NewRealtimeClientWithDefaults(cancelCtx, realtimeUrl(opts), session.ByJwt)
	defer client.Close()

	chatPanel, err := collab.OpenChatPanel(cancelCtx, client, api, projectId, session, nil)
	if err != nil {
		Err.Fatalf("chat open error: %s", err)
	}
	defer chatPanel.Close()

	if err := chatPanel.Send(cancelCtx, message); err != nil {
		Err.Fatalf("send error: %s", err)
	}
	Out.Printf("sent")
}
