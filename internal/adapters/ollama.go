package adapters

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/pool"
	"github.com/compresr/ai-bridge/internal/registry"
	"github.com/compresr/ai-bridge/internal/task"
)

// OllamaAdapter speaks Ollama's native /api/chat, the local inference target.
// Ollama reports usage as prompt_eval_count/eval_count and streams NDJSON
// rather than SSE, ending with a {"done":true} line.
type OllamaAdapter struct{}

// NewOllamaAdapter creates a new Ollama adapter.
func NewOllamaAdapter() *OllamaAdapter { return &OllamaAdapter{} }

// Kind implements Adapter.
func (a *OllamaAdapter) Kind() string { return config.KindOllama }

// BuildCall implements Adapter. A base URL without a path gets /api/chat.
func (a *OllamaAdapter) BuildCall(ep *registry.Endpoint, c *task.Contract) (*pool.Call, error) {
	target := ep.URL
	if u, err := url.Parse(ep.URL); err == nil && (u.Path == "" || u.Path == "/") {
		target = strings.TrimRight(ep.URL, "/") + "/api/chat"
	}

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
	set("stream", c.Config.Stream)
	if c.Config.MaxTokens > 0 {
		set("options.num_predict", c.Config.MaxTokens)
	}
	if c.Config.Temperature != nil {
		set("options.temperature", *c.Config.Temperature)
	}
	if err != nil {
		return nil, err
	}
	return &pool.Call{Target: ep.Name, Method: http.MethodPost, URL: target, Body: body}, nil
}

// ParseResponse implements Adapter.
func (a *OllamaAdapter) ParseResponse(body []byte) (*task.Completion, error) {
	if !gjson.ValidBytes(body) {
		return nil, malformed(a.Kind(), body)
	}
	root := gjson.ParseBytes(body)
	if e := root.Get("error"); e.Exists() {
		return nil, apierr.New(apierr.CodeProviderError, "ollama: %s", e.String())
	}
	msg := root.Get("message.content")
	if !msg.Exists() {
		return nil, malformed(a.Kind(), body)
	}
	c := &task.Completion{Content: msg.String()}
	readOllamaMeta(root, c)
	return finish(c), nil
}

// DecodeStream implements Adapter.
func (a *OllamaAdapter) DecodeStream(r io.Reader, emit EmitFunc) (*task.Completion, error) {
	c := &task.Completion{}
	var buf []byte
	done := false
	err := scanNDJSON(r, func(line []byte) error {
		if done || !gjson.ValidBytes(line) {
			return nil
		}
		chunk := gjson.ParseBytes(line)
		if e := chunk.Get("error"); e.Exists() {
			return apierr.New(apierr.CodeProviderError, "ollama: %s", e.String())
		}
		if delta := chunk.Get("message.content").String(); delta != "" {
			buf = append(buf, delta...)
			if err := emit(delta); err != nil {
				return err
			}
		}
		if chunk.Get("done").Bool() {
			readOllamaMeta(chunk, c)
			done = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, truncated("ollama")
	}
	c.Content = string(buf)
	return finish(c), nil
}

func readOllamaMeta(root gjson.Result, c *task.Completion) {
	c.Model = root.Get("model").String()
	c.FinishReason = root.Get("done_reason").String()
	c.Usage.PromptTokens = int(root.Get("prompt_eval_count").Int())
	c.Usage.CompletionTokens = int(root.Get("eval_count").Int())
}

var _ Adapter = (*OllamaAdapter)(nil)
