package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/koko/pkg/voice"
	"github.com/MrWong99/koko/pkg/voice/postgres"
)

const testDim = 4

// testDSN returns the test database DSN or skips when KOKO_TEST_POSTGRES_DSN
// is unset.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("KOKO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KOKO_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS voice_styles"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	st, err := postgres.NewStore(ctx, dsn, testDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestStore_UpsertLoad(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	styles := []voice.Style{
		{Name: "af_sky", Language: "en-us", Embedding: []float32{1, 2, 3, 4}},
		{Name: "ef_dora", Language: "es", Embedding: []float32{0.5, 0, -1, 2}},
	}
	if err := st.Upsert(ctx, styles); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Overwrite one row.
	styles[0].Embedding = []float32{4, 3, 2, 1}
	if err := st.Upsert(ctx, styles[:1]); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Load returned %d styles, want 2", len(got))
	}
	if got[0].Name != "af_sky" || got[0].Embedding[0] != 4 {
		t.Errorf("af_sky = %+v, want updated embedding", got[0])
	}
	if got[1].Language != "es" {
		t.Errorf("ef_dora language = %q", got[1].Language)
	}
}

func TestLoadRegistry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.Upsert(ctx, []voice.Style{{Name: "af_sky", Embedding: []float32{1, 1, 1, 1}}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reg, err := postgres.LoadRegistry(ctx, testDSN(t), testDim)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if _, _, err := reg.ResolveExpr("af_sky.5"); err != nil {
		t.Errorf("ResolveExpr: %v", err)
	}
	if _, _, err := reg.ResolveExpr("af_nobody"); !errors.Is(err, voice.ErrUnknownVoice) {
		t.Errorf("err = %v, want ErrUnknownVoice", err)
	}
}
