package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_GetAllPaging(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 5; i++ {
		m.Append(CollectionPayouts, Record{"n": i})
	}
	ctx := context.Background()

	page, _ := m.GetAll(ctx, CollectionPayouts, 2, 0)
	if len(page) != 2 || page[0]["n"] != 4 || page[1]["n"] != 3 {
		t.Errorf("unexpected first page %v", page)
	}
	page, _ = m.GetAll(ctx, CollectionPayouts, 2, 4)
	if len(page) != 1 || page[0]["n"] != 0 {
		t.Errorf("unexpected last page %v", page)
	}
	page, _ = m.GetAll(ctx, CollectionPayouts, 2, 10)
	if len(page) != 0 {
		t.Errorf("expected empty page past the end, got %v", page)
	}
}

func TestReadAll(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 7; i++ {
		m.Append(CollectionReturns, Record{"n": i})
	}
	all, err := ReadAll(context.Background(), m, CollectionReturns, 3, 0)
	if err != nil || len(all) != 7 {
		t.Fatalf("expected 7 records, got %d (%v)", len(all), err)
	}
	capped, _ := ReadAll(context.Background(), m, CollectionReturns, 3, 4)
	if len(capped) != 4 || capped[0]["n"] != 6 || capped[3]["n"] != 3 {
		t.Errorf("expected the 4 newest records, got %v", capped)
	}
}

type brokenReader struct{}

func (brokenReader) GetAll(context.Context, string, int, int) ([]Record, error) {
	return nil, errors.New("connection reset")
}

func TestReadAll_Error(t *testing.T) {
	if _, err := ReadAll(context.Background(), brokenReader{}, "x", 10, 0); err == nil {
		t.Errorf("expected error")
	}
}

func TestSelectQuery_QuotesTable(t *testing.T) {
	got := selectQuery(`rec"ords`)
	want := `SELECT doc FROM "rec""ords" WHERE collection = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
