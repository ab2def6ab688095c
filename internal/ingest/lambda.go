package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"commerce-pipeline/internal/record"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"
)

// EnvelopeReport is the combined outcome of an SQS delivery.
type EnvelopeReport struct {
	Reports []*BatchReport
	// Response lists the messages SQS should redeliver.
	Response events.SQSEventResponse
	// Malformed counts messages dropped because their body was not a
	// payload; redelivery would not fix them.
	Malformed int
}

// Processed sums the processed count of every message.
func (r *EnvelopeReport) Processed() int {
	n := 0
	for _, rep := range r.Reports {
		n += rep.Processed()
	}
	return n
}

// ProcessEnvelope processes every message body as one payload. Messages
// are independent: a failing message does not stop the rest. Messages that
// hit a store failure are listed for redelivery and the first such error
// is returned.
func (c *Coordinator) ProcessEnvelope(ctx context.Context, sqsEvent events.SQSEvent) (*EnvelopeReport, error) {
	out := &EnvelopeReport{
		Response: events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{}},
	}
	var firstErr error
	for _, msg := range sqsEvent.Records {
		report, err := c.ProcessPayload(ctx, []byte(msg.Body))
		switch {
		case errors.Is(err, record.ErrMalformed):
			out.Malformed++
			c.logger.Warn("dropping malformed message", zap.String("message_id", msg.MessageId), zap.Error(err))
		case err != nil:
			c.logger.Error("message failed", zap.String("message_id", msg.MessageId), zap.Error(err))
			out.Response.BatchItemFailures = append(out.Response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: msg.MessageId})
			if firstErr == nil {
				firstErr = fmt.Errorf("message %s: %w", msg.MessageId, err)
			}
		default:
			out.Reports = append(out.Reports, report)
		}
	}
	return out, firstErr
}

// LambdaResponse is the processor function's return value. SQS reads
// batchItemFailures; direct invokers read statusCode and body.
type LambdaResponse struct {
	StatusCode        int                          `json:"statusCode"`
	Body              string                       `json:"body"`
	BatchItemFailures []events.SQSBatchItemFailure `json:"batchItemFailures,omitempty"`
}

// IsEnvelope reports whether raw is an SQS delivery rather than a payload.
func IsEnvelope(raw []byte) bool {
	var probe struct {
		Records json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.Records) > 0 && string(probe.Records) != "null"
}

// HandleLambda is the processor function entry point. It accepts either an
// SQS envelope or a payload and never returns a Go error, so the invoker
// always gets a status: 200 on success, 500 for anything else, malformed
// input included.
func (c *Coordinator) HandleLambda(ctx context.Context, raw json.RawMessage) (LambdaResponse, error) {
	if IsEnvelope(raw) {
		var sqsEvent events.SQSEvent
		if err := json.Unmarshal(raw, &sqsEvent); err != nil {
			return lambdaError(http.StatusInternalServerError, fmt.Errorf("decode sqs event: %w", err)), nil
		}
		rep, err := c.ProcessEnvelope(ctx, sqsEvent)
		if err != nil {
			resp := lambdaError(http.StatusInternalServerError, err)
			resp.BatchItemFailures = rep.Response.BatchItemFailures
			return resp, nil
		}
		return lambdaOK(rep.Processed()), nil
	}

	report, err := c.ProcessPayload(ctx, raw)
	if errors.Is(err, record.ErrMalformed) {
		c.logger.Warn("malformed payload", zap.Error(err))
		return lambdaError(http.StatusInternalServerError, err), nil
	}
	if err != nil {
		c.logger.Error("payload failed", zap.Error(err))
		return lambdaError(http.StatusInternalServerError, err), nil
	}
	return lambdaOK(report.Processed()), nil
}

func lambdaOK(processed int) LambdaResponse {
	body, _ := json.Marshal(map[string]string{
		"message":   fmt.Sprintf("Successfully processed %d records", processed),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	return LambdaResponse{StatusCode: http.StatusOK, Body: string(body)}
}

func lambdaError(status int, err error) LambdaResponse {
	body, _ := json.Marshal(map[string]string{
		"error":     err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	return LambdaResponse{StatusCode: status, Body: string(body)}
}
