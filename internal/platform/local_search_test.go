package platform

import (
	"context"
	"testing"
)

func TestLocalVectorStoreSearch(t *testing.T) {
	s := NewLocalVectorStore()
	ctx := context.Background()

	s.Upsert(ctx, "a", []float64{1, 0}, map[string]string{"task": "t1"})
	s.Upsert(ctx, "b", []float64{0, 1}, map[string]string{"task": "t1"})
	s.Upsert(ctx, "c", []float64{1, 0.1}, map[string]string{"task": "t2"})

	hits, err := s.Search(ctx, []float64{1, 0}, nil, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "a" {
		t.Fatalf("hits = %+v", hits)
	}

	// Payload filters restrict the candidate set.
	hits, err = s.Search(ctx, []float64{1, 0}, map[string]string{"task": "t2"}, 10)
	if err != nil {
		t.Fatalf("filtered search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "c" {
		t.Fatalf("filtered hits = %+v", hits)
	}
}

func TestLocalCodeSearch(t *testing.T) {
	s := NewLocalCodeSearch()
	s.Index("billing.go", "func ChargeInvoice(ctx context.Context) error")
	s.Index("auth.go", "func ValidateToken(token string) bool")

	hits, err := s.Search(context.Background(), "charge invoice", nil, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "billing.go" {
		t.Fatalf("hits = %+v", hits)
	}
}
