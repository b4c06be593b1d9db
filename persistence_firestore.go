package main

import (
	"context"
	"fmt"
	"log"
	"time"

	firebase "firebase.google.com/go"
	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// FirestoreStore is the durable PersistenceStore backend. Grounded on
// services/user.go's Firebase App initialization, redirected from auth
// to Firestore collections: trades (append-only), position_metadata
// (versioned, per symbol), capital_snapshots (rolling history).
type FirestoreStore struct {
	client *firestore.Client
}

const (
	collTrades     = "trades"
	collPositions  = "position_metadata"
	collSnapshots  = "capital_snapshots"
)

// NewFirestoreStore mirrors InitFirebase's credentials-file app init,
// then opens a Firestore client scoped to projectID.
func NewFirestoreStore(ctx context.Context, projectID, credentialsFile string) (*FirestoreStore, error) {
	opt := option.WithCredentialsFile(credentialsFile)
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opt)
	if err != nil {
		return nil, fmt.Errorf("firestore: init firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore: open client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) SaveTradeRecord(ctx context.Context, rec TradeRecord) error {
	docID := fmt.Sprintf("%s-%d", rec.Symbol, rec.ClosedAt.UnixNano())
	_, err := s.client.Collection(collTrades).Doc(docID).Set(ctx, rec)
	if err != nil {
		return fmt.Errorf("firestore: save trade record %s: %w", rec.Symbol, err)
	}
	return nil
}

func (s *FirestoreStore) TradesBySymbol(ctx context.Context, symbol string, limit int) ([]TradeRecord, error) {
	q := s.client.Collection(collTrades).Where("Symbol", "==", symbol).OrderBy("ClosedAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return drainTradeDocs(ctx, q.Documents(ctx))
}

func (s *FirestoreStore) TradesByTimeRange(ctx context.Context, fromUnixMs, toUnixMs int64) ([]TradeRecord, error) {
	from := time.UnixMilli(fromUnixMs)
	to := time.UnixMilli(toUnixMs)
	q := s.client.Collection(collTrades).
		Where("ClosedAt", ">=", from).
		Where("ClosedAt", "<=", to).
		OrderBy("ClosedAt", firestore.Asc)
	return drainTradeDocs(ctx, q.Documents(ctx))
}

func drainTradeDocs(ctx context.Context, it *firestore.DocumentIterator) ([]TradeRecord, error) {
	var out []TradeRecord
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return out, fmt.Errorf("firestore: iterate trades: %w", err)
		}
		var rec TradeRecord
		if err := doc.DataTo(&rec); err != nil {
			log.Printf("firestore: skipping malformed trade doc %s: %v", doc.Ref.ID, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// SavePositionMetadata writes with a version guard: a write carrying an
// older version than what's stored is dropped (spec §5's version-token
// requirement for the ephemeral state store).
func (s *FirestoreStore) SavePositionMetadata(ctx context.Context, meta PositionMetadata) error {
	docRef := s.client.Collection(collPositions).Doc(meta.Symbol)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if err != nil && grpcstatus.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			var existing PositionMetadata
			if derr := snap.DataTo(&existing); derr == nil && existing.Version > meta.Version {
				return nil
			}
		}
		return tx.Set(docRef, meta)
	})
	if err != nil {
		return fmt.Errorf("firestore: save position metadata %s: %w", meta.Symbol, err)
	}
	return nil
}

func (s *FirestoreStore) PositionMetadata(ctx context.Context, symbol string) (PositionMetadata, error) {
	doc, err := s.client.Collection(collPositions).Doc(symbol).Get(ctx)
	if grpcstatus.Code(err) == codes.NotFound {
		return DefaultPositionMetadata(symbol), nil
	}
	if err != nil {
		return DefaultPositionMetadata(symbol), fmt.Errorf("firestore: get position metadata %s: %w", symbol, err)
	}
	var meta PositionMetadata
	if err := doc.DataTo(&meta); err != nil {
		return DefaultPositionMetadata(symbol), fmt.Errorf("firestore: decode position metadata %s: %w", symbol, err)
	}
	return meta, nil
}

func (s *FirestoreStore) SaveCapitalSnapshot(ctx context.Context, snap CapitalSnapshot) error {
	docID := fmt.Sprintf("%d", snap.AsOf.UnixNano())
	_, err := s.client.Collection(collSnapshots).Doc(docID).Set(ctx, snap)
	if err != nil {
		return fmt.Errorf("firestore: save capital snapshot: %w", err)
	}
	return nil
}
