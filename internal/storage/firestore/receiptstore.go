package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

const DefaultCollection = "receipts"

// ReceiptStore implements dispatch.ReceiptStore using Google Cloud Firestore.
type ReceiptStore struct {
	client     *firestore.Client
	collection string
}

var _ dispatch.ReceiptStore = (*ReceiptStore)(nil)

// NewReceiptStore stores receipts in collection, or DefaultCollection if empty.
func NewReceiptStore(client *firestore.Client, collection string) *ReceiptStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &ReceiptStore{client: client, collection: collection}
}

// Save writes the receipt under its id, replacing any earlier version.
func (s *ReceiptStore) Save(ctx context.Context, receipt *dispatch.Receipt) error {
	if receipt == nil || receipt.ID == "" {
		return fmt.Errorf("receipt has no id")
	}
	if _, err := s.receipts().Doc(receipt.ID).Set(ctx, receipt); err != nil {
		return fmt.Errorf("failed to save receipt %s: %w", receipt.ID, err)
	}
	return nil
}

func (s *ReceiptStore) Get(ctx context.Context, id string) (*dispatch.Receipt, error) {
	snap, err := s.receipts().Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, dispatch.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt %s: %w", id, err)
	}

	var receipt dispatch.Receipt
	if err := snap.DataTo(&receipt); err != nil {
		return nil, fmt.Errorf("failed to decode receipt %s: %w", id, err)
	}
	return &receipt, nil
}

func (s *ReceiptStore) List(ctx context.Context, limit int) ([]*dispatch.Receipt, error) {
	iter := s.receipts().OrderBy("created_at", firestore.Desc).Limit(limit).Documents(ctx)
	defer iter.Stop()

	out := make([]*dispatch.Receipt, 0, limit)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var receipt dispatch.Receipt
		if err := doc.DataTo(&receipt); err != nil {
			// Skip corrupt rows.
			continue
		}
		out = append(out, &receipt)
	}
	return out, nil
}

func (s *ReceiptStore) receipts() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}
