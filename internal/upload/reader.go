package upload

import (
	"context"
	"fmt"
	"io"

	"github.com/lgulliver/waypoint/internal/storage"
)

// chunkReader streams the chunks of a session in index order, opening
// one chunk at a time
type chunkReader struct {
	ctx     context.Context
	blobs   storage.BlobStorage
	token   string
	total   int
	next    int
	current io.ReadCloser
}

func newChunkReader(ctx context.Context, blobs storage.BlobStorage, token string, total int) *chunkReader {
	return &chunkReader{ctx: ctx, blobs: blobs, token: token, total: total}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.next >= r.total {
				return 0, io.EOF
			}
			rc, err := r.blobs.Retrieve(r.ctx, chunkPath(r.token, r.next))
			if err != nil {
				return 0, fmt.Errorf("failed to open chunk %d: %w", r.next, err)
			}
			r.current = rc
			r.next++
		}

		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}
