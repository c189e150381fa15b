package adapters

import (
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/pool"
	"github.com/compresr/ai-bridge/internal/registry"
	"github.com/compresr/ai-bridge/internal/task"
)

const anthropicVersion = "2023-06-01"

// AnthropicAdapter speaks the Messages API.
// Response: {"content":[{"type":"text","text"}],"stop_reason","usage":{"input_tokens","output_tokens"}}
// Stream:   message_start, content_block_delta (delta.text), message_delta (stop_reason, usage), message_stop.
type AnthropicAdapter struct{}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter() *AnthropicAdapter { return &AnthropicAdapter{} }

// Kind implements Adapter.
func (a *AnthropicAdapter) Kind() string { return config.KindAnthropic }

// BuildCall implements Adapter.
func (a *AnthropicAdapter) BuildCall(ep *registry.Endpoint, c *task.Contract) (*pool.Call, error) {
	body, err := messagesBody(c, "")
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "model", c.Config.Model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "stream", c.Config.Stream); err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("anthropic-version", anthropicVersion)
	if key := ep.APIKey(); key != "" {
		header.Set("x-api-key", key)
	}
	return &pool.Call{Target: ep.Name, Method: http.MethodPost, URL: ep.URL, Header: header, Body: body}, nil
}

// messagesBody builds the Messages API body shared with Bedrock. max_tokens is
// required by the API.
func messagesBody(c *task.Contract, version string) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}
	if version != "" {
		set("anthropic_version", version)
	}
	maxTokens := c.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	set("max_tokens", maxTokens)
	set("messages.0.role", "user")
	set("messages.0.content", c.Input)
	if c.Config.Temperature != nil {
		set("temperature", *c.Config.Temperature)
	}
	return body, err
}

// ParseResponse implements Adapter.
func (a *AnthropicAdapter) ParseResponse(body []byte) (*task.Completion, error) {
	return parseMessages(a.Kind(), body)
}

func parseMessages(kind string, body []byte) (*task.Completion, error) {
	if !gjson.ValidBytes(body) {
		return nil, malformed(kind, body)
	}
	root := gjson.ParseBytes(body)
	if root.Get("type").String() == "error" {
		return nil, apierr.New(apierr.CodeProviderError, "%s: %s", kind, root.Get("error.message").String())
	}
	blocks := root.Get("content")
	if !blocks.IsArray() {
		return nil, malformed(kind, body)
	}
	var text strings.Builder
	for _, b := range blocks.Array() {
		if b.Get("type").String() == "text" {
			text.WriteString(b.Get("text").String())
		}
	}
	c := &task.Completion{
		Content:      text.String(),
		Model:        root.Get("model").String(),
		FinishReason: root.Get("stop_reason").String(),
		Usage: task.Usage{
			PromptTokens:     int(root.Get("usage.input_tokens").Int()),
			CompletionTokens: int(root.Get("usage.output_tokens").Int()),
		},
	}
	return finish(c), nil
}

// DecodeStream implements Adapter.
func (a *AnthropicAdapter) DecodeStream(r io.Reader, emit EmitFunc) (*task.Completion, error) {
	c := &task.Completion{}
	var buf []byte
	stopped := false
	_, err := scanSSE(r, func(event, data string) error {
		if !gjson.Valid(data) {
			return nil
		}
		ev := gjson.Parse(data)
		if event == "" {
			event = ev.Get("type").String()
		}
		switch event {
		case "message_start":
			c.Model = ev.Get("message.model").String()
			c.Usage.PromptTokens = int(ev.Get("message.usage.input_tokens").Int())
		case "content_block_delta":
			if delta := ev.Get("delta.text").String(); delta != "" {
				buf = append(buf, delta...)
				return emit(delta)
			}
		case "message_delta":
			if sr := ev.Get("delta.stop_reason").String(); sr != "" {
				c.FinishReason = sr
			}
			if out := ev.Get("usage.output_tokens"); out.Exists() {
				c.Usage.CompletionTokens = int(out.Int())
			}
		case "message_stop":
			stopped = true
		case "error":
			return apierr.New(apierr.CodeProviderError, "anthropic: %s", ev.Get("error.message").String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !stopped {
		return nil, truncated("anthropic")
	}
	c.Content = string(buf)
	return finish(c), nil
}

var _ Adapter = (*AnthropicAdapter)(nil)
