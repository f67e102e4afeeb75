package collab

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"
)

// JudgeClient is the thin client of the remote code-execution service:
// submit returns a token, then the status is polled until the run
// finishes or the attempt cap is hit. Output payloads are base64 on
// the wire.

type JudgeSettings struct {
	PollInterval time.Duration
	// polls before giving up and reporting a timeout
	MaxPollAttempts int
}

func DefaultJudgeSettings() *JudgeSettings {
	return &JudgeSettings{
		PollInterval:    time.Second,
		MaxPollAttempts: 10,
	}
}

type JudgeClient struct {
	judgeUrl string
	apiKey   string
	settings *JudgeSettings

	httpClient *http.Client
}

func NewJudgeClientWithDefaults(judgeUrl string, apiKey string) *JudgeClient {
	return NewJudgeClient(judgeUrl, apiKey, DefaultJudgeSettings())
}

func NewJudgeClient(judgeUrl string, apiKey string, settings *JudgeSettings) *JudgeClient {
	return &JudgeClient{
		judgeUrl:   judgeUrl,
		apiKey:     apiKey,
		settings:   settings,
		httpClient: defaultClient(),
	}
}

type JudgeSubmission struct {
	SourceCode string `json:"source_code"`
	LanguageId int    `json:"language_id"`
	Stdin      string `json:"stdin,omitempty"`
}

type judgeSubmitResult struct {
	Token string `json:"token"`
}

type judgeStatus struct {
	Id          int    `json:"id"`
	Description string `json:"description"`
}

type judgePollResult struct {
	Status *judgeStatus `json:"status"`
	Stdout string       `json:"stdout,omitempty"`
	Stderr string       `json:"stderr,omitempty"`
	Time   string       `json:"time,omitempty"`
	Memory int          `json:"memory,omitempty"`
}

// status ids 1 (in queue) and 2 (processing) mean keep polling
const judgeStatusProcessingMax = 2

type JudgeResult struct {
	Status string
	Stdout string
	Stderr string
	Time   string
	Memory int
}

// Run submits and polls to completion
func (self *JudgeClient) Run(ctx context.Context, submission *JudgeSubmission) (*JudgeResult, error) {
	token, err := self.submit(ctx, submission)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("[judge]submitted %s\n", token)

	for attempt := 0; attempt < self.settings.MaxPollAttempts; attempt += 1 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(self.settings.PollInterval):
		}

		poll, err := self.poll(ctx, token)
		if err != nil {
			return nil, err
		}
		if poll.Status == nil || poll.Status.Id <= judgeStatusProcessingMax {
			continue
		}

		stdout, err := base64.StdEncoding.DecodeString(poll.Stdout)
		if err != nil {
			stdout = []byte(poll.Stdout)
		}
		stderr, err := base64.StdEncoding.DecodeString(poll.Stderr)
		if err != nil {
			stderr = []byte(poll.Stderr)
		}
		return &JudgeResult{
			Status: poll.Status.Description,
			Stdout: string(stdout),
			Stderr: string(stderr),
			Time:   poll.Time,
			Memory: poll.Memory,
		}, nil
	}

	return nil, ErrJudgeTimeout
}

func (self *JudgeClient) submit(ctx context.Context, submission *JudgeSubmission) (string, error) {
	submissionJson, err := json.Marshal(submission)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/submissions?base64_encoded=true&wait=false", self.judgeUrl)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(submissionJson))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if self.apiKey != "" {
		req.Header.Set("X-Auth-Token", self.apiKey)
	}

	r, err := self.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	if 400 <= r.StatusCode {
		return "", fmt.Errorf("judge submit error (%d)", r.StatusCode)
	}

	result := &judgeSubmitResult{}
	if err := json.Unmarshal(body, result); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", fmt.Errorf("judge submit returned no token")
	}
	return result.Token, nil
}

func (self *JudgeClient) poll(ctx context.Context, token string) (*judgePollResult, error) {
	url := fmt.Sprintf("%s/submissions/%s?base64_encoded=true", self.judgeUrl, token)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	if self.apiKey != "" {
		req.Header.Set("X-Auth-Token", self.apiKey)
	}

	r, err := self.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if 400 <= r.StatusCode {
		return nil, fmt.Errorf("judge poll error (%d)", r.StatusCode)
	}

	result := &judgePollResult{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, err
	}
	return result, nil
}
