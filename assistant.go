package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/golang/glog"
)

// AssistantClient is the request/response client of the generative
// assistant endpoint. On a quota error the call retries once with the
// fallback model.

type AssistantSettings struct {
	Model         string
	FallbackModel string
}

func DefaultAssistantSettings() *AssistantSettings {
	return &AssistantSettings{
		Model:         "codehive-assist-large",
		FallbackModel: "codehive-assist-small",
	}
}

type AssistantClient struct {
	assistantUrl string
	apiKey       string
	settings     *AssistantSettings

	httpClient *http.Client
}

func NewAssistantClientWithDefaults(assistantUrl string, apiKey string) *AssistantClient {
	return NewAssistantClient(assistantUrl, apiKey, DefaultAssistantSettings())
}

func NewAssistantClient(assistantUrl string, apiKey string, settings *AssistantSettings) *AssistantClient {
	return &AssistantClient{
		assistantUrl: assistantUrl,
		apiKey:       apiKey,
		settings:     settings,
		httpClient:   defaultClient(),
	}
}

type assistantArgs struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type assistantResult struct {
	Text  string    `json:"text,omitempty"`
	Error *ApiError `json:"error,omitempty"`
}

func (self *AssistantClient) Complete(ctx context.Context, prompt string) (string, error) {
	text, err := self.complete(ctx, self.settings.Model, prompt)
	if err == nil {
		return text, nil
	}
	if !isQuotaError(err) {
		return "", err
	}
	glog.Infof("[assistant]quota on %s, falling back to %s\n", self.settings.Model, self.settings.FallbackModel)
	return self.complete(ctx, self.settings.FallbackModel, prompt)
}

type quotaError struct {
	model string
}

func (self *quotaError) Error() string {
	return fmt.Sprintf("quota exceeded for model %s", self.model)
}

func isQuotaError(err error) bool {
	_, ok := err.(*quotaError)
	return ok
}

func (self *AssistantClient) complete(ctx context.Context, model string, prompt string) (string, error) {
	argsJson, err := json.Marshal(&assistantArgs{
		Model:  model,
		Prompt: prompt,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/complete", self.assistantUrl), bytes.NewBuffer(argsJson))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if self.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.apiKey))
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
	if r.StatusCode == http.StatusTooManyRequests {
		return "", &quotaError{
			model: model,
		}
	}
	if 400 <= r.StatusCode {
		return "", fmt.Errorf("assistant error (%d)", r.StatusCode)
	}

	result := &assistantResult{}
	if err := json.Unmarshal(body, result); err != nil {
		return "", err
	}
	if result.Error != nil {
		return "", fmt.Errorf("%s", result.Error.Message)
	}
	return result.Text, nil
}
