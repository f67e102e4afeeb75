package collab

import (
	"errors"
)

var (
	// the client is not currently connected to the hub. Sends are not
	// queued across disconnects and are not retried.
	ErrNotConnected = errors.New("not connected")

	// the client was closed or its context canceled
	ErrClientClosed = errors.New("client closed")

	// the persistence api rejected the credentials (401)
	ErrUnauthorized = errors.New("unauthorized")

	// the persistence api refused the operation (403)
	ErrForbidden = errors.New("permission denied")

	// the local session was removed from the project. Terminal for
	// all realtime participation in that project.
	ErrRemoved = errors.New("removed from project")

	// the judge did not finish within the polling attempt cap
	ErrJudgeTimeout = errors.New("code execution timed out")
)
