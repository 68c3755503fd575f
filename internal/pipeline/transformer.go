// Package pipeline contains the core message processing components for the
// Pub/Sub ingestion path.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// DispatchRequestTransformer is a dataflow Transformer that unmarshals and
// validates a raw message payload into a dispatch.Request.
//
// Anything that could never be delivered (bad JSON, unknown kind, missing
// title) is skipped so the subscription's dead-letter policy takes it.
func DispatchRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*dispatch.Request, bool, error) {
	var req dispatch.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal dispatch request from message %s: %w", msg.ID, err)
	}

	if _, err := req.Targets(); err != nil {
		return nil, true, fmt.Errorf("invalid recipients in message %s: %w", msg.ID, err)
	}
	if err := req.Payload().Validate(); err != nil {
		return nil, true, fmt.Errorf("invalid payload in message %s: %w", msg.ID, err)
	}

	return &req, false, nil
}
