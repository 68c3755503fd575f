package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// ErrRetryable is returned when nothing in the request was delivered and a
// later redelivery may succeed.
var ErrRetryable = errors.New("dispatch retryable")

// receiptNamespace derives stable receipt ids from Pub/Sub message ids, so a
// redelivered message overwrites its earlier receipt.
var receiptNamespace = uuid.MustParse("6f1d3c1e-8a42-4f0e-9b37-2d5c0b7a9e11")

// NewProcessor creates the stage that runs each request against the dispatcher.
//
// Returning an error nacks the message. Auth failures nack. So do requests
// where nothing was delivered and at least one recipient failed transiently.
// Everything else is acked, permanent failures included: they never succeed
// on redelivery. receipts may be nil.
func NewProcessor(
	dispatcher dispatch.Dispatcher,
	receipts dispatch.ReceiptStore,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[dispatch.Request] {

	return func(ctx context.Context, original messagepipeline.Message, request *dispatch.Request) error {
		procLogger := logger.With(
			"recipient_kind", request.RecipientKind,
			"recipients", len(request.Recipients),
			"pubsub_msg_id", original.ID,
		)

		result, err := request.Execute(ctx, dispatcher)
		if result == nil {
			switch dispatch.CodeOf(err) {
			case dispatch.CodeValidation:
				// The transformer already validated; ack so it does not loop.
				procLogger.Warn("Dropping invalid dispatch request", "err", err)
				return nil
			default:
				procLogger.Error("Dispatch aborted", "err", err)
				return err
			}
		}

		if receipts != nil {
			id := uuid.NewSHA1(receiptNamespace, []byte(original.ID)).String()
			receipt := dispatch.NewReceipt(id, string(request.RecipientKind), request.Title, result.Outcomes, time.Now())
			if saveErr := receipts.Save(ctx, receipt); saveErr != nil {
				procLogger.Warn("Receipt save failed", "receipt_id", id, "err", saveErr)
			}
		}

		if retryable(result) {
			procLogger.Warn("Nothing delivered, requesting redelivery",
				"failed", result.FailureCount(),
				"err", err,
			)
			return fmt.Errorf("%w: %d of %d recipients failed", ErrRetryable, result.FailureCount(), result.TotalCount())
		}

		procLogger.Info("Dispatch request processed",
			"total", result.TotalCount(),
			"success", result.SuccessCount(),
		)
		return nil
	}
}

// retryable reports whether no recipient succeeded and at least one failure
// could go away on retry. Partial successes are acked to avoid duplicates.
func retryable(result *dispatch.BatchResult) bool {
	if result.SuccessCount() > 0 {
		return false
	}
	for _, o := range result.Outcomes {
		switch o.ErrorCode {
		case dispatch.CodeTransient, dispatch.CodeNotAttempted:
			return true
		}
	}
	return false
}
