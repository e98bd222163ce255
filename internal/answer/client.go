package answer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrSubmissionFailed covers every way a submission can fail before a JSON
// body is in hand: transport errors, unreadable bodies and non-JSON bodies.
var ErrSubmissionFailed = errors.New("submission failed")

type request struct {
	Text string `json:"text"`
}

// Client posts transcripts to the remote Q&A service. Requests carry no
// timeout; only the caller's context ends them.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
	tracer   trace.Tracer
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewClient(endpoint string, logger *slog.Logger) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:   logger.With(slog.String("component", "answer-client")),
		tracer:   otel.Tracer("github.com/loqalabs/shop-voice/answer"),
	}
	meter := otel.Meter("github.com/loqalabs/shop-voice/answer")
	var err error
	c.outcomes, err = meter.Int64Counter("shopvoice.answer.submissions",
		metric.WithDescription("Transcripts submitted to the Q&A service, by outcome"))
	if err != nil {
		c.logger.Warn("failed to create submissions counter", slogError(err))
	}
	c.latency, err = meter.Float64Histogram("shopvoice.answer.latency",
		metric.WithDescription("Q&A service round trip"), metric.WithUnit("s"))
	if err != nil {
		c.logger.Warn("failed to create latency histogram", slogError(err))
	}
	return c
}

// Ask sends exactly one request with body {"text": text}. The HTTP status
// code does not decide the outcome; any JSON body is returned as-is.
func (c *Client) Ask(ctx context.Context, text string) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "answer.ask", trace.WithAttributes(attribute.Int("transcript.length", len(text))))
	defer span.End()

	start := time.Now()
	res, status, err := c.do(ctx, text)
	outcome := "done"
	switch {
	case err != nil:
		outcome = "transport_error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("answer submission failed", slogError(err))
		err = fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	case res.Failed():
		outcome = "service_error"
		c.logger.Info("answer service reported error", slog.Int("status", status), slog.String("service_error", *res.Error))
	default:
		c.logger.Info("answer received", slog.Int("status", status), slog.Duration("latency", time.Since(start)))
	}
	span.SetAttributes(attribute.String("answer.outcome", outcome), attribute.Int("http.status", status))

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if c.outcomes != nil {
		c.outcomes.Add(ctx, 1, attrs)
	}
	if c.latency != nil {
		c.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	return res, err
}

func (c *Client) do(ctx context.Context, text string) (Result, int, error) {
	body, err := json.Marshal(request{Text: text})
	if err != nil {
		return Result{}, 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	res, err := Decode(data)
	if err != nil {
		return Result{}, resp.StatusCode, fmt.Errorf("decode response (status %s): %w", resp.Status, err)
	}
	return res, resp.StatusCode, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
