package embed

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 2048

func newHTTPClient(poolSize int) *http.Client {
	if poolSize <= 0 {
		poolSize = 4
	}
	// No client timeout: every call carries its own context deadline.
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        poolSize,
			MaxIdleConnsPerHost: poolSize,
			MaxConnsPerHost:     poolSize * 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

// statusError maps a non-200 provider response to an embedding error.
// 429 and 5xx are retryable; other statuses are rejected requests.
func statusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("%s returned status %d", provider, resp.StatusCode)

	var err *cerrors.CtxError
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err = cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingRateLimited, msg, nil)
	case resp.StatusCode >= 500:
		err = cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingUnavailable, msg, nil)
	default:
		err = cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingRejected, msg, nil)
	}
	err = err.WithDetail("status", strconv.Itoa(resp.StatusCode))
	if len(body) > 0 {
		err = err.WithDetail("body", string(body))
	}
	return err
}

// transportError maps a failed round trip to an embedding error.
func transportError(provider string, err error) error {
	switch {
	case stderrors.Is(err, context.Canceled):
		return err
	case stderrors.Is(err, context.DeadlineExceeded):
		return cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingTimeout, provider+" request timed out", err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingTimeout, provider+" request timed out", err)
	}
	return cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingUnavailable, provider+" unreachable", err)
}

// checkDimensions rejects responses whose vectors disagree with the expected size.
func checkDimensions(vectors [][]float32, want int) error {
	for i, v := range vectors {
		if want > 0 && len(v) != want {
			return cerrors.EmbeddingError(cerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector %d has %d dimensions, want %d", i, len(v), want), nil)
		}
	}
	return nil
}
