package runtime

import (
	"context"

	"voiced/pkg/types"
)

// Backend is one running synthesis engine. Implementations are the embedded
// worker process and the external sidecar; tests substitute fakes.
type Backend interface {
	Mode() types.BackendMode
	Healthy(ctx context.Context) bool
	Voices(ctx context.Context) ([]types.Voice, error)
	ValidateTags(ctx context.Context, text string) (types.TagValidation, error)
	Preview(ctx context.Context, req types.PreviewRequest) (types.PreviewResult, error)
	Batch(ctx context.Context, req types.BatchRequest, onProgress func(types.BatchProgress)) (types.BatchResult, error)
	Stop() error
}
