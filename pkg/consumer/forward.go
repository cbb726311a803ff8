package consumer

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/tracebus/tracebus/pkg/broker"
	"github.com/tracebus/tracebus/pkg/tracing"
)

// HTTPProcessor forwards message bodies to a downstream service, carrying
// the trace context on the outbound request.
type HTTPProcessor struct {
	client *resty.Client
	url    string
}

func NewHTTPProcessor(url string) *HTTPProcessor {
	return &HTTPProcessor{client: resty.New(), url: url}
}

func (p *HTTPProcessor) Process(ctx context.Context, msg *broker.Message) error {
	req := p.client.R().SetContext(ctx).SetBody(msg.Body)
	if span := tracing.SpanFromContext(ctx); span != nil {
		req.SetHeader(tracing.TraceParentHeader, span.Context().String())
	}

	resp, err := req.Post(p.url)
	if err != nil {
		return fmt.Errorf("forwarding to %s: %w", p.url, err)
	}
	if resp.IsError() {
		return fmt.Errorf("downstream %s answered %s", p.url, resp.Status())
	}
	return nil
}
