package filter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	tokenizer "github.com/sandwich-go/gpt3-encoder"
	"github.com/sashabaranov/go-openai"
)

// OpenAIDetector delegates classification to an OpenAI-compatible chat model.
// The model is asked to return a json verdict with a confidence; the verdict
// counts as spam only above the configured confidence threshold. Attached
// images are passed inline as data urls for multimodal models.
type OpenAIDetector struct {
	client openAIClient
	params OpenAIConfig
}

// OpenAIConfig contains parameters for OpenAIDetector
type OpenAIConfig struct {
	// https://platform.openai.com/docs/api-reference/chat/create#chat/create-max_tokens
	MaxTokensResponse int // hard limit for the number of tokens in the response
	// the API has a limit for the number of tokens in the request + response
	MaxTokensRequest  int // max request length in tokens
	MaxSymbolsRequest int // fallback: max request length in symbols, if tokenizer failed
	Model             string
	SystemPrompt      string
	Confidence        int // minimal confidence (1-100) to accept a spam verdict
}

type openAIClient interface {
	CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const defaultPrompt = `I'll give you a message sent to a private support relay bot and you will return me a json with three fields: {"spam": true/false, "reason":"why this is spam", "confidence":1-100}. Mark as spam unsolicited ads, phishing, scams and mass promotion, in the text or in the attached images. Only return the json object, no other text.`

type openAIResponse struct {
	IsSpam     bool   `json:"spam"`
	Reason     string `json:"reason"`
	Confidence int    `json:"confidence"`
}

// NewOpenAIDetector makes a detector using the given OpenAI-compatible client.
func NewOpenAIDetector(client *openai.Client, params OpenAIConfig) *OpenAIDetector {
	return newOpenAIDetector(client, params)
}

func newOpenAIDetector(client openAIClient, params OpenAIConfig) *OpenAIDetector {
	if params.SystemPrompt == "" {
		params.SystemPrompt = defaultPrompt
	}
	if params.MaxTokensResponse == 0 {
		params.MaxTokensResponse = 1024
	}
	if params.MaxTokensRequest == 0 {
		params.MaxTokensRequest = 1024
	}
	if params.MaxSymbolsRequest == 0 {
		params.MaxSymbolsRequest = 8192
	}
	if params.Model == "" {
		params.Model = "gpt-4o-mini"
	}
	if params.Confidence == 0 {
		params.Confidence = 80
	}
	return &OpenAIDetector{client: client, params: params}
}

// Name returns the detector name
func (d *OpenAIDetector) Name() string { return "openai" }

// Check sends the message to the model and parses the json verdict. Transport
// or parse errors are returned in Response.Error for the pipeline policy to
// resolve; the detector itself never guesses on failure.
func (d *OpenAIDetector) Check(ctx context.Context, req Request) Response {
	if d.client == nil {
		return Response{Name: d.Name(), Spam: false, Details: "not enabled"}
	}
	if req.Msg == "" && len(req.Images) == 0 {
		return Response{Name: d.Name(), Spam: false, Details: "nothing to check"}
	}

	resp, err := d.sendRequest(ctx, req)
	if err != nil {
		return Response{Name: d.Name(), Error: fmt.Errorf("openai request failed: %w", err)}
	}

	if resp.IsSpam && resp.Confidence >= d.params.Confidence {
		return Response{Name: d.Name(), Spam: true,
			Details: strings.TrimSuffix(resp.Reason, ".") + fmt.Sprintf(", confidence: %d%%", resp.Confidence)}
	}
	return Response{Name: d.Name(), Spam: false,
		Details: fmt.Sprintf("confidence: %d%%", resp.Confidence)}
}

func (d *OpenAIDetector) sendRequest(ctx context.Context, req Request) (response openAIResponse, err error) {
	// reduce the request size with tokenizer and fallback to default reducer if it fails.
	// the API counts request and response tokens against one budget, so the request
	// has to leave room for the json verdict.
	reduceRequest := func(text string) (result string) {
		defaultReducer := func(text string) (result string) {
			if len(text) <= d.params.MaxSymbolsRequest {
				return text
			}
			return text[:d.params.MaxSymbolsRequest]
		}

		encoder, tokErr := tokenizer.NewEncoder()
		if tokErr != nil {
			return defaultReducer(text)
		}
		tokens, encErr := encoder.Encode(text)
		if encErr != nil {
			return defaultReducer(text)
		}
		if len(tokens) <= d.params.MaxTokensRequest {
			return text
		}
		return encoder.Decode(tokens[:d.params.MaxTokensRequest])
	}

	userText := reduceRequest(req.Msg)
	if userText == "" {
		userText = "No user text was provided. Review only the attached images."
	}

	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: userText}}
	for _, img := range req.Images {
		mime := img.MIME
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data)),
			},
		})
	}

	data := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: d.params.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, MultiContent: parts},
	}

	resp, err := d.client.CreateChatCompletion(ctx,
		openai.ChatCompletionRequest{Model: d.params.Model, MaxTokens: d.params.MaxTokensResponse, Messages: data})
	if err != nil {
		return openAIResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return openAIResponse{}, fmt.Errorf("no choices in response")
	}

	// models wrap json in fenced code blocks from time to time
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	if err := json.Unmarshal([]byte(content), &response); err != nil {
		return openAIResponse{}, fmt.Errorf("can't unmarshal response %q: %w", content, err)
	}
	return response, nil
}
