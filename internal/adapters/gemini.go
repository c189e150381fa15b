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

// GeminiAdapter speaks the generateContent API. The endpoint URL is the API
// base (e.g. https://generativelanguage.googleapis.com/v1beta).
// Response: {"candidates":[{"content":{"parts":[{"text"}]},"finishReason"}],"usageMetadata":{...}}
type GeminiAdapter struct{}

// NewGeminiAdapter creates a new Gemini adapter.
func NewGeminiAdapter() *GeminiAdapter { return &GeminiAdapter{} }

// Kind implements Adapter.
func (a *GeminiAdapter) Kind() string { return config.KindGemini }

// BuildCall implements Adapter.
func (a *GeminiAdapter) BuildCall(ep *registry.Endpoint, c *task.Contract) (*pool.Call, error) {
	action := ":generateContent"
	if c.Config.Stream {
		action = ":streamGenerateContent?alt=sse"
	}
	target := strings.TrimRight(ep.URL, "/") + "/models/" + url.PathEscape(c.Config.Model) + action

	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}
	set("contents.0.role", "user")
	set("contents.0.parts.0.text", c.Input)
	if c.Config.MaxTokens > 0 {
		set("generationConfig.maxOutputTokens", c.Config.MaxTokens)
	}
	if c.Config.Temperature != nil {
		set("generationConfig.temperature", *c.Config.Temperature)
	}
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if key := ep.APIKey(); key != "" {
		header.Set("x-goog-api-key", key)
	}
	return &pool.Call{Target: ep.Name, Method: http.MethodPost, URL: target, Header: header, Body: body}, nil
}

// ParseResponse implements Adapter.
func (a *GeminiAdapter) ParseResponse(body []byte) (*task.Completion, error) {
	if !gjson.ValidBytes(body) {
		return nil, malformed(a.Kind(), body)
	}
	root := gjson.ParseBytes(body)
	if e := root.Get("error.message"); e.Exists() {
		return nil, apierr.New(apierr.CodeProviderError, "gemini: %s", e.String())
	}
	if !root.Get("candidates.0").Exists() {
		return nil, malformed(a.Kind(), body)
	}
	c := &task.Completion{}
	c.Content = geminiText(root)
	readGeminiMeta(root, c)
	return finish(c), nil
}

// DecodeStream implements Adapter. Each SSE frame is a partial response.
func (a *GeminiAdapter) DecodeStream(r io.Reader, emit EmitFunc) (*task.Completion, error) {
	c := &task.Completion{}
	var buf []byte
	_, err := scanSSE(r, func(_, data string) error {
		if !gjson.Valid(data) {
			return nil
		}
		chunk := gjson.Parse(data)
		if e := chunk.Get("error.message"); e.Exists() {
			return apierr.New(apierr.CodeProviderError, "gemini: %s", e.String())
		}
		readGeminiMeta(chunk, c)
		if delta := geminiText(chunk); delta != "" {
			buf = append(buf, delta...)
			return emit(delta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.FinishReason == "" {
		return nil, truncated("gemini")
	}
	c.Content = string(buf)
	return finish(c), nil
}

func geminiText(root gjson.Result) string {
	var sb strings.Builder
	for _, part := range root.Get("candidates.0.content.parts").Array() {
		sb.WriteString(part.Get("text").String())
	}
	return sb.String()
}

func readGeminiMeta(root gjson.Result, c *task.Completion) {
	if fr := root.Get("candidates.0.finishReason").String(); fr != "" {
		c.FinishReason = strings.ToLower(fr)
	}
	if m := root.Get("modelVersion").String(); m != "" {
		c.Model = m
	}
	if u := root.Get("usageMetadata"); u.Exists() {
		c.Usage = task.Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}
}

var _ Adapter = (*GeminiAdapter)(nil)
