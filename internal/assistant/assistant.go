package assistant

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

// Message is one turn of the chat forwarded by the proxy endpoint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces the assistant's reply for a conversation. Handlers
// depend on this interface so tests can swap in a fake.
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

const systemInstruction = "You are a helpful study assistant for an educational platform. " +
	"Answer questions about coursework clearly and concisely, and decline requests unrelated to learning."

// Gemini forwards conversations to Google's generative-text API.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("missing api key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, err
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Generate(ctx context.Context, messages []Message) (string, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		var role genai.Role = genai.RoleUser
		if msg.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
	}
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", err
	}

	reply := strings.TrimSpace(result.Text())
	if reply == "" {
		return "", errors.New("empty completion")
	}
	return reply, nil
}
