package community

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang/glog"
)

// Stateless helper that asks a text-generation endpoint to draft a short
// neighborly reply. Purely additive: every failure path returns the fixed
// fallback and nothing here is ever persisted by the core.

const replyFallback = "Hey! I'm a bit busy digging my way out of the snow, talk soon!"
const replyDefaultText = "Hey neighbor! Stay warm!"

type ReplySettings struct {
	BaseUrl string
	ApiKey  string
	Model   string
	Timeout time.Duration
}

func DefaultReplySettings() *ReplySettings {
	return &ReplySettings{
		BaseUrl: "https://generativelanguage.googleapis.com",
		Model:   "gemini-3-flash-preview",
		Timeout: 30 * time.Second,
	}
}

type generateRequest struct {
	Contents []generateContent `json:"contents"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
}

type generatePart struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content generateContent `json:"content"`
	} `json:"candidates"`
}

type ReplyClient struct {
	httpClient *resty.Client
	settings   *ReplySettings
}

func NewReplyClient(settings *ReplySettings) *ReplyClient {
	httpClient := resty.New().
		SetBaseURL(settings.BaseUrl).
		SetTimeout(settings.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &ReplyClient{
		httpClient: httpClient,
		settings:   settings,
	}
}

func replyPrompt(message string, neighborName string, neighborUnit string) string {
	return fmt.Sprintf(
		`You are %s, a friendly resident in apartment %s of the "Snowed In" complex. Respond to this message from your neighbor: "%s". Keep it short, conversational, and neighborly. Maybe mention the snow or building life.`,
		neighborName,
		neighborUnit,
		message,
	)
}

func (self *ReplyClient) NeighborReply(ctx context.Context, message string, neighborName string, neighborUnit string) string {
	request := &generateRequest{
		Contents: []generateContent{
			{
				Parts: []generatePart{
					{Text: replyPrompt(message, neighborName, neighborUnit)},
				},
			},
		},
	}

	response := &generateResponse{}
	httpResponse, err := self.httpClient.R().
		SetContext(ctx).
		SetQueryParam("key", self.settings.ApiKey).
		SetBody(request).
		SetResult(response).
		Post(fmt.Sprintf("/v1beta/models/%s:generateContent", self.settings.Model))
	if err != nil {
		glog.V(1).Infof("[reply]generate = %s\n", err)
		return replyFallback
	}
	if httpResponse.IsError() {
		glog.V(1).Infof("[reply]generate status = %s\n", httpResponse.Status())
		return replyFallback
	}
	if len(response.Candidates) == 0 || len(response.Candidates[0].Content.Parts) == 0 {
		return replyDefaultText
	}
	text := strings.TrimSpace(response.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return replyDefaultText
	}
	return text
}
