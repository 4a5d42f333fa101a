package fieldstore

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/internal/backoff"
)

func newTestMediaStore(t *testing.T, opts ...MediaOption) (*MediaStore, *Queue, *Store) {
	t.Helper()
	s := newTestStore(t)
	q := NewQueue(s, backoff.DefaultQueuePolicy(), nil)
	return NewMediaStore(s, q, opts...), q, s
}

func randomBytes(n int) []byte {
	r := rand.New(rand.NewPCG(1, uint64(n)))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.UintN(256))
	}
	return b
}

func TestStoreMedia_RoundTripSizes(t *testing.T) {
	ctx := context.Background()
	const chunkSize = 4096
	m, _, _ := newTestMediaStore(t, WithChunkSize(chunkSize))

	cases := []struct {
		name   string
		size   int
		chunks int
	}{
		{"empty", 0, 0},
		{"one byte", 1, 1},
		{"exactly one chunk", chunkSize, 1},
		{"one chunk plus one byte", chunkSize + 1, 2},
		{"ten chunks", 10 * chunkSize, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := randomBytes(tc.size)
			id, err := m.StoreMedia(ctx, MediaInput{Data: data, MimeType: "application/pdf", Filename: "doc.pdf", OwnerRef: DraftRef(1), FieldName: "attachment"})
			require.NoError(t, err)

			file, err := m.GetMediaFile(ctx, id)
			require.NoError(t, err)
			require.Equal(t, tc.chunks, file.Item.Chunks)
			require.Equal(t, int64(tc.size), file.Item.Size)
			require.Equal(t, "application/pdf", file.Item.MimeType)
			require.Equal(t, StatusPending, file.Item.Status)
			require.True(t, bytes.Equal(data, file.Data))
			require.Len(t, file.Data, tc.size)
		})
	}
}

func TestStoreMedia_TenAndAHalfMiB(t *testing.T) {
	ctx := context.Background()
	m, _, s := newTestMediaStore(t)

	size := 10*DefaultChunkSize + DefaultChunkSize/2
	data := randomBytes(size)
	id, err := m.StoreMedia(ctx, MediaInput{Data: data, MimeType: "video/mp4", Filename: "clip.mp4", OwnerRef: DraftRef(1), FieldName: "video"})
	require.NoError(t, err)

	chunks, err := Query[Chunk](ctx, s, Chunks, "media_id", id)
	require.NoError(t, err)
	require.Len(t, chunks, 11)
	full := 0
	for _, c := range chunks {
		if c.Size == DefaultChunkSize {
			full++
		}
	}
	require.Equal(t, 10, full)
	last, err := m.Chunk(ctx, id, 10)
	require.NoError(t, err)
	require.Equal(t, DefaultChunkSize/2, last.Size)
	require.Equal(t, ChunkID(id, 10), last.ID)

	file, err := m.GetMediaFile(ctx, id)
	require.NoError(t, err)
	require.Len(t, file.Data, size)
	require.True(t, bytes.Equal(data, file.Data))
}

func TestStoreMedia_ZeroBytesCompletesWithoutChunks(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMediaStore(t)

	id, err := m.StoreMedia(ctx, MediaInput{MimeType: "text/plain", Filename: "empty.txt", OwnerRef: DraftRef(1), FieldName: "notes"})
	require.NoError(t, err)

	item, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 0, item.Chunks)

	require.NoError(t, m.MarkCompleted(ctx, id, "https://files.example/empty.txt"))
	item, err = m.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, item.Status)
}

func TestStoreMedia_EnqueuesUploadWhenOnline(t *testing.T) {
	ctx := context.Background()

	offline, q, _ := newTestMediaStore(t)
	id, err := offline.StoreMedia(ctx, MediaInput{Data: []byte("abc"), MimeType: "text/plain", OwnerRef: DraftRef(1)})
	require.NoError(t, err)
	active, err := q.HasActive(ctx, ItemMediaUpload, id)
	require.NoError(t, err)
	require.False(t, active)

	online, q2, _ := newTestMediaStore(t, WithConnectivity(func() bool { return true }))
	id, err = online.StoreMedia(ctx, MediaInput{Data: []byte("abc"), MimeType: "text/plain", OwnerRef: DraftRef(1)})
	require.NoError(t, err)
	active, err = q2.HasActive(ctx, ItemMediaUpload, id)
	require.NoError(t, err)
	require.True(t, active)

	created, err := online.EnqueueUpload(ctx, id)
	require.NoError(t, err)
	require.False(t, created, "upload already queued")
}

func TestStoreMedia_ProgressAndCompletion(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMediaStore(t, WithChunkSize(2))

	id, err := m.StoreMedia(ctx, MediaInput{Data: []byte("abcde"), MimeType: "text/plain", OwnerRef: DraftRef(1)})
	require.NoError(t, err)

	require.Error(t, m.MarkCompleted(ctx, id, "url"), "chunks not acknowledged yet")

	require.NoError(t, m.UpdateProgress(ctx, id, 2))
	item, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusUploading, item.Status)
	require.Equal(t, 2, item.UploadedChunks)

	require.Error(t, m.UpdateProgress(ctx, id, 4))
	require.NoError(t, m.UpdateProgress(ctx, id, 3))
	require.NoError(t, m.MarkCompleted(ctx, id, "https://files.example/x"))

	item, err = m.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, item.Status)
	require.Equal(t, "https://files.example/x", item.ServerURL)
}

func TestGetMediaFile_DetectsMissingChunk(t *testing.T) {
	ctx := context.Background()
	m, _, s := newTestMediaStore(t, WithChunkSize(2))

	id, err := m.StoreMedia(ctx, MediaInput{Data: []byte("abcdef"), MimeType: "text/plain", OwnerRef: DraftRef(1)})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, Chunks, ChunkID(id, 1)))

	_, err = m.GetMediaFile(ctx, id)
	require.ErrorIs(t, err, ErrCorruptMedia)
	_, err = m.Chunk(ctx, id, 1)
	require.ErrorIs(t, err, ErrCorruptMedia)
}

func TestStoreMedia_CompressesImages(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMediaStore(t, WithCompressor(&ImageCompressor{MaxWidth: 100, MaxHeight: 100, Quality: 70}))

	src := image.NewRGBA(image.Rect(0, 0, 400, 200))
	for x := 0; x < 400; x++ {
		for y := 0; y < 200; y++ {
			src.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	id, err := m.StoreMedia(ctx, MediaInput{Data: buf.Bytes(), MimeType: "image/png", Filename: "photo.png", OwnerRef: DraftRef(1)})
	require.NoError(t, err)

	file, err := m.GetMediaFile(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "image/png", file.Item.MimeType)
	cfg, err := png.DecodeConfig(bytes.NewReader(file.Data))
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Width)
	require.Equal(t, 50, cfg.Height)
}

func TestStoreMedia_CompressionFailureKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMediaStore(t, WithCompressor(DefaultImageCompressor()))

	garbage := []byte("definitely not a jpeg")
	id, err := m.StoreMedia(ctx, MediaInput{Data: garbage, MimeType: "image/jpeg", Filename: "broken.jpg", OwnerRef: DraftRef(1)})
	require.NoError(t, err)

	file, err := m.GetMediaFile(ctx, id)
	require.NoError(t, err)
	require.Equal(t, garbage, file.Data)
}

func TestMediaStore_Reassign(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMediaStore(t)

	for i := 0; i < 2; i++ {
		_, err := m.StoreMedia(ctx, MediaInput{Data: []byte("x"), MimeType: "text/plain", OwnerRef: DraftRef(5)})
		require.NoError(t, err)
	}
	n, err := m.Reassign(ctx, DraftRef(5), SubmissionRef(9))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	items, err := m.ListByOwner(ctx, SubmissionRef(9))
	require.NoError(t, err)
	require.Len(t, items, 2)
	items, err = m.ListByOwner(ctx, DraftRef(5))
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestMediaStore_ResetForRetryRestartsUpload(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMediaStore(t, WithChunkSize(4))

	id, err := m.StoreMedia(ctx, MediaInput{Data: []byte("0123456789abcdef"), MimeType: "application/octet-stream", Filename: "log.bin", OwnerRef: DraftRef(1), FieldName: "log"})
	require.NoError(t, err)
	require.NoError(t, m.MarkUploading(ctx, id))
	require.NoError(t, m.UpdateProgress(ctx, id, 3))

	// Releasing keeps acknowledged chunks.
	require.NoError(t, m.Release(ctx, id))
	item, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, item.Status)
	require.Equal(t, 3, item.UploadedChunks)

	require.NoError(t, m.MarkError(ctx, id, "server lost chunks", true))
	require.NoError(t, m.ResetForRetry(ctx, id))
	item, err = m.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, item.Status)
	require.Zero(t, item.UploadedChunks)
}
