package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperjump/kotae/internal/apperr"
)

// flakyEmbedder fails the first failures calls, then delegates.
type flakyEmbedder struct {
	*HashEmbedder
	failures int
	calls    int
	err      error
	block    bool
	dims     int
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.calls <= f.failures {
		return nil, f.err
	}
	vecs, err := f.HashEmbedder.EmbedBatch(ctx, texts)
	if f.dims > 0 {
		for i := range vecs {
			vecs[i] = vecs[i][:f.dims]
		}
	}
	return vecs, err
}

func TestEmbedWithRetry(t *testing.T) {
	transient := errors.New("503 from upstream")
	tests := []struct {
		name      string
		embedder  *flakyEmbedder
		wantKind  apperr.Kind
		wantCalls int
	}{
		{"success", &flakyEmbedder{}, "", 1},
		{"retried once", &flakyEmbedder{failures: 1, err: transient}, "", 2},
		{"gives up after retry", &flakyEmbedder{failures: 5, err: transient}, apperr.KindEmbeddingProvider, 2},
		{"permanent not retried", &flakyEmbedder{failures: 5, err: apperr.New(apperr.KindConfig, "bad key")}, apperr.KindConfig, 1},
		{"per-call timeout", &flakyEmbedder{block: true}, apperr.KindRetrievalTimeout, 2},
		{"wrong dimensions", &flakyEmbedder{dims: 4}, apperr.KindDimensionMismatch, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.embedder.HashEmbedder = NewHashEmbedder(8)
			vecs, err := EmbedWithRetry(context.Background(), tt.embedder, []string{"a", "b"}, 20*time.Millisecond, time.Millisecond)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(vecs) != 2 {
					t.Errorf("got %d vectors", len(vecs))
				}
			} else if apperr.KindOf(err) != tt.wantKind {
				t.Errorf("kind = %s, want %s (%v)", apperr.KindOf(err), tt.wantKind, err)
			}
			if tt.embedder.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", tt.embedder.calls, tt.wantCalls)
			}
		})
	}
}

func TestEmbedWithRetry_CallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := &flakyEmbedder{HashEmbedder: NewHashEmbedder(8), block: true}
	_, err := EmbedWithRetry(ctx, e, []string{"a"}, time.Second, time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
