package adapters

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/pool"
	"github.com/compresr/ai-bridge/internal/registry"
	"github.com/compresr/ai-bridge/internal/task"
)

// AgentAdapter talks to specialist endpoints that accept the Task Contract as is.
//
// Response: {"content","model","finishReason","usage":{promptTokens,completionTokens,totalTokens},"cost":{input,output,total}}
// Stream:   SSE frames {"delta":"..."}; a frame may also carry usage, cost, model or finishReason.
//
// A stream is complete once "data: [DONE]" or a finishReason arrives.
type AgentAdapter struct{}

// NewAgentAdapter creates a new agent adapter.
func NewAgentAdapter() *AgentAdapter { return &AgentAdapter{} }

// Kind implements Adapter.
func (a *AgentAdapter) Kind() string { return config.KindAgent }

// BuildCall implements Adapter.
func (a *AgentAdapter) BuildCall(ep *registry.Endpoint, c *task.Contract) (*pool.Call, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode task contract: %w", err)
	}
	header := http.Header{}
	if key := ep.APIKey(); key != "" {
		header.Set("Authorization", "Bearer "+key)
	}
	header.Set("X-Request-ID", c.RequestMetadata.RequestID)
	if c.Config.Stream {
		header.Set("Accept", "text/event-stream")
	}
	return &pool.Call{Target: ep.Name, Method: http.MethodPost, URL: ep.URL, Header: header, Body: body}, nil
}

// ParseResponse implements Adapter.
func (a *AgentAdapter) ParseResponse(body []byte) (*task.Completion, error) {
	if !gjson.ValidBytes(body) {
		return nil, malformed(a.Kind(), body)
	}
	root := gjson.ParseBytes(body)
	content := root.Get("content")
	if !content.Exists() {
		return nil, malformed(a.Kind(), body)
	}
	c := &task.Completion{Content: content.String()}
	readAgentMeta(root, c)
	return finish(c), nil
}

// DecodeStream implements Adapter.
func (a *AgentAdapter) DecodeStream(r io.Reader, emit EmitFunc) (*task.Completion, error) {
	c := &task.Completion{}
	var buf []byte
	sawDone, err := scanSSE(r, func(_, data string) error {
		if !gjson.Valid(data) {
			return nil
		}
		frame := gjson.Parse(data)
		if delta := frame.Get("delta").String(); delta != "" {
			buf = append(buf, delta...)
			if err := emit(delta); err != nil {
				return err
			}
		}
		readAgentMeta(frame, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawDone && c.FinishReason == "" {
		return nil, truncated("agent")
	}
	c.Content = string(buf)
	return finish(c), nil
}

func readAgentMeta(root gjson.Result, c *task.Completion) {
	if m := root.Get("model"); m.Exists() {
		c.Model = m.String()
	}
	if f := root.Get("finishReason"); f.Exists() {
		c.FinishReason = f.String()
	}
	if u := root.Get("usage"); u.Exists() {
		c.Usage = task.Usage{
			PromptTokens:     int(u.Get("promptTokens").Int()),
			CompletionTokens: int(u.Get("completionTokens").Int()),
			TotalTokens:      int(u.Get("totalTokens").Int()),
		}
	}
	if cost := root.Get("cost"); cost.Exists() {
		c.Cost = &task.Cost{
			Input:  cost.Get("input").Float(),
			Output: cost.Get("output").Float(),
			Total:  cost.Get("total").Float(),
		}
	}
}

var _ Adapter = (*AgentAdapter)(nil)
