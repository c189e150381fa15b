package adapters

import (
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/pool"
	"github.com/compresr/ai-bridge/internal/registry"
	"github.com/compresr/ai-bridge/internal/task"
)

// OpenAIAdapter speaks the Chat Completions API.
// Request:  {"model","messages":[{"role":"user","content"}],"max_tokens","temperature","stream"}
// Response: {"choices":[{"message":{"content"},"finish_reason"}],"usage":{"prompt_tokens","completion_tokens","total_tokens"}}
type OpenAIAdapter struct{}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter() *OpenAIAdapter { return &OpenAIAdapter{} }

// Kind implements Adapter.
func (a *OpenAIAdapter) Kind() string { return config.KindOpenAI }

// BuildCall implements Adapter.
func (a *OpenAIAdapter) BuildCall(ep *registry.Endpoint, c *task.Contract) (*pool.Call, error) {
	body, err := chatBody(c)
	if err != nil {
		return nil, err
	}
	if c.Config.Stream {
		if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
			return nil, err
		}
	}
	header := http.Header{}
	if key := ep.APIKey(); key != "" {
		header.Set("Authorization", "Bearer "+key)
	}
	return &pool.Call{Target: ep.Name, Method: http.MethodPost, URL: ep.URL, Header: header, Body: body}, nil
}

// chatBody builds an OpenAI-style single user message request.
func chatBody(c *task.Contract) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}
	set("model", c.Config.Model)
	set("messages.0.role", "user")
	set("messages.0.content", c.Input)
	if c.Config.MaxTokens > 0 {
		set("max_tokens", c.Config.MaxTokens)
	}
	if c.Config.Temperature != nil {
		set("temperature", *c.Config.Temperature)
	}
	set("stream", c.Config.Stream)
	return body, err
}

// ParseResponse implements Adapter.
func (a *OpenAIAdapter) ParseResponse(body []byte) (*task.Completion, error) {
	if !gjson.ValidBytes(body) {
		return nil, malformed(a.Kind(), body)
	}
	root := gjson.ParseBytes(body)
	choice := root.Get("choices.0")
	if !choice.Exists() {
		return nil, malformed(a.Kind(), body)
	}
	c := &task.Completion{
		Content:      choice.Get("message.content").String(),
		FinishReason: choice.Get("finish_reason").String(),
		Model:        root.Get("model").String(),
		Usage:        openAIUsage(root.Get("usage")),
	}
	return finish(c), nil
}

// DecodeStream implements Adapter.
func (a *OpenAIAdapter) DecodeStream(r io.Reader, emit EmitFunc) (*task.Completion, error) {
	c := &task.Completion{}
	var buf []byte
	sawDone, err := scanSSE(r, func(_, data string) error {
		if !gjson.Valid(data) {
			return nil
		}
		chunk := gjson.Parse(data)
		if m := chunk.Get("model").String(); m != "" {
			c.Model = m
		}
		if u := chunk.Get("usage"); u.IsObject() {
			c.Usage = openAIUsage(u)
		}
		choice := chunk.Get("choices.0")
		if fr := choice.Get("finish_reason").String(); fr != "" {
			c.FinishReason = fr
		}
		if delta := choice.Get("delta.content").String(); delta != "" {
			buf = append(buf, delta...)
			return emit(delta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawDone && c.FinishReason == "" {
		return nil, truncated("openai")
	}
	c.Content = string(buf)
	return finish(c), nil
}

func openAIUsage(u gjson.Result) task.Usage {
	return task.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
}

var _ Adapter = (*OpenAIAdapter)(nil)
