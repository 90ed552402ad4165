package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hyperjump/kotae/internal/apperr"
)

// EmbedWithRetry embeds texts with a per-call deadline of timeout (none if zero)
// and retries a transient failure once after wait. Failures come back as
// apperr kinds: an exceeded deadline is a retrieval timeout, anything else from
// the embedder is an embedding provider error, and vectors of the wrong size are
// a dimension mismatch.
func EmbedWithRetry(ctx context.Context, e Embedder, texts []string, timeout, wait time.Duration) ([][]float32, error) {
	op := func() ([][]float32, error) {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		vecs, err := e.EmbedBatch(callCtx, texts)
		if err == nil {
			return vecs, checkVectors(e, texts, vecs)
		}
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, backoff.Permanent(apperr.Wrap(apperr.KindRetrievalTimeout, err, "embedding deadline exceeded"))
		case ctx.Err() != nil:
			return nil, backoff.Permanent(ctx.Err())
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return nil, apperr.Wrap(apperr.KindRetrievalTimeout, err, "embedding call exceeded %s", timeout)
		}
		if ae, ok := apperr.As(err); ok && !apperr.Retryable(ae.Kind) {
			return nil, backoff.Permanent(err)
		}
		return nil, apperr.Wrap(apperr.KindEmbeddingProvider, err, "embedding failed")
	}
	vecs, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(wait)),
		backoff.WithMaxTries(2))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, err
	}
	return vecs, nil
}

func checkVectors(e Embedder, texts []string, vecs [][]float32) error {
	if len(vecs) != len(texts) {
		return backoff.Permanent(apperr.New(apperr.KindEmbeddingProvider,
			"embedder returned %d vectors for %d texts", len(vecs), len(texts)))
	}
	dims := e.Dimensions()
	for i, v := range vecs {
		if len(v) != dims {
			return backoff.Permanent(apperr.New(apperr.KindDimensionMismatch,
				"vector %d has %d dimensions, embedder %s declares %d", i, len(v), e.ID(), dims))
		}
	}
	return nil
}
