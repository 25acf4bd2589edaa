package executor

import "context"

// ChunkWriter receives raw model-output chunks from a streaming handler.
type ChunkWriter func(chunk []byte) error

type chunkWriterKey struct{}

// WithChunkWriter attaches a chunk writer to the context. The processor sets
// it for streaming steps; handlers that stream fetch it with ChunkWriterFrom
// and write their model output through it.
func WithChunkWriter(ctx context.Context, writer ChunkWriter) context.Context {
	return context.WithValue(ctx, chunkWriterKey{}, writer)
}

// ChunkWriterFrom returns the chunk writer attached to the context, if any.
func ChunkWriterFrom(ctx context.Context) (ChunkWriter, bool) {
	writer, ok := ctx.Value(chunkWriterKey{}).(ChunkWriter)
	return writer, ok
}
