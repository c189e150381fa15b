package adapters

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/pool"
	"github.com/compresr/ai-bridge/internal/registry"
	"github.com/compresr/ai-bridge/internal/task"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockAdapter calls Anthropic models through Bedrock InvokeModel.
// The endpoint URL is the bedrock-runtime base; the model goes in the path
// and the request is SigV4-signed by the pool for the endpoint's region.
// Streaming is not offered: InvokeModelWithResponseStream uses AWS
// event-stream framing, and the registry rejects "stream" for bedrock.
type BedrockAdapter struct{}

// NewBedrockAdapter creates a new Bedrock adapter.
func NewBedrockAdapter() *BedrockAdapter { return &BedrockAdapter{} }

// Kind implements Adapter.
func (a *BedrockAdapter) Kind() string { return config.KindBedrock }

// BuildCall implements Adapter.
func (a *BedrockAdapter) BuildCall(ep *registry.Endpoint, c *task.Contract) (*pool.Call, error) {
	if c.Config.Stream {
		return nil, apierr.New(apierr.CodeUnsupportedCapability, "endpoint %q does not support streaming", ep.Name)
	}
	body, err := messagesBody(c, bedrockAnthropicVersion)
	if err != nil {
		return nil, err
	}
	region := ep.Region
	if region == "" {
		region = "us-east-1"
	}
	target := strings.TrimRight(ep.URL, "/") + "/model/" + url.PathEscape(c.Config.Model) + "/invoke"

	header := http.Header{}
	header.Set("Accept", "application/json")
	return &pool.Call{Target: ep.Name, Method: http.MethodPost, URL: target, Header: header, Body: body, Region: region}, nil
}

// ParseResponse implements Adapter.
func (a *BedrockAdapter) ParseResponse(body []byte) (*task.Completion, error) {
	return parseMessages(a.Kind(), body)
}

// DecodeStream implements Adapter.
func (a *BedrockAdapter) DecodeStream(io.Reader, EmitFunc) (*task.Completion, error) {
	return nil, apierr.New(apierr.CodeUnsupportedCapability, "bedrock endpoints do not support streaming")
}

var _ Adapter = (*BedrockAdapter)(nil)
