package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/waypoint/internal/attachment"
	"github.com/lgulliver/waypoint/internal/common"
	"github.com/lgulliver/waypoint/internal/guide"
	"github.com/lgulliver/waypoint/internal/storage"
	"github.com/lgulliver/waypoint/pkg/compression"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testChunkSize = 1024

type testEnv struct {
	manager     *Manager
	store       SessionStore
	blobs       storage.BlobStorage
	attachments *attachment.Store
	guide       *types.Guide
}

func setupTestEnv(t *testing.T, store SessionStore) *testEnv {
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&types.Guide{}, &types.Attachment{}))

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := &common.Database{DB: gdb}
	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	attachments := attachment.NewStore(db, blobs, attachment.Limits{MaxFileSize: 1 << 20, MaxCombinedSize: 1 << 20})
	guides := guide.NewService(db, attachments)

	g, err := guides.Create(context.Background(), &types.CreateGuideRequest{Title: "Skilled worker", Slug: "skilled-worker"}, uuid.New())
	require.NoError(t, err)

	if store == nil {
		store = NewMemoryStore()
	}
	manager := NewManager(store, blobs, attachments, guides, Config{
		SessionTTL:   time.Hour,
		ChunkSize:    testChunkSize,
		MaxChunkSize: testChunkSize,
		MaxFileSize:  1 << 20,
		ReapInterval: time.Minute,
	})

	return &testEnv{manager: manager, store: store, blobs: blobs, attachments: attachments, guide: g}
}

func randomBytes(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func split(data []byte, size int) [][]byte {
	var chunks [][]byte
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

func (e *testEnv) init(t *testing.T, slot int, payload []byte, compressed bool, originalSize int64) (*types.UploadSession, [][]byte) {
	t.Helper()
	chunks := split(payload, testChunkSize)
	session, err := e.manager.Init(context.Background(), InitRequest{
		GuideID:      e.guide.ID,
		Slot:         slot,
		FileName:     "guide.pdf",
		MimeType:     "application/pdf",
		DeclaredSize: int64(len(payload)),
		OriginalSize: originalSize,
		TotalChunks:  len(chunks),
		Compressed:   compressed,
	})
	require.NoError(t, err)
	return session, chunks
}

func (e *testEnv) send(t *testing.T, token string, index int, chunk []byte) int {
	t.Helper()
	progress, err := e.manager.ReceiveChunk(context.Background(), token, index, bytes.NewReader(chunk), "")
	require.NoError(t, err)
	return progress
}

func (e *testEnv) slotContent(t *testing.T, slot int) string {
	t.Helper()
	_, rc, err := e.attachments.Open(context.Background(), e.guide.ID, slot)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestInit(t *testing.T) {
	env := setupTestEnv(t, nil)

	session, _ := env.init(t, 1, randomBytes(3000, 1), false, 0)

	assert.NotEmpty(t, session.Token)
	assert.Equal(t, types.SessionInitialized, session.Status)
	assert.Equal(t, 3, session.TotalChunks)
	assert.Equal(t, session.CreatedAt.Add(time.Hour), session.ExpiresAt)

	other, _ := env.init(t, 1, randomBytes(3000, 1), false, 0)
	assert.NotEqual(t, session.Token, other.Token)
}

func TestInit_Validation(t *testing.T) {
	env := setupTestEnv(t, nil)

	valid := InitRequest{
		GuideID:      env.guide.ID,
		Slot:         1,
		FileName:     "guide.pdf",
		DeclaredSize: 2048,
		TotalChunks:  2,
	}

	tests := []struct {
		name    string
		modify  func(r *InitRequest)
		wantErr error
	}{
		{"slot zero", func(r *InitRequest) { r.Slot = 0 }, types.ErrValidation},
		{"slot three", func(r *InitRequest) { r.Slot = 3 }, types.ErrValidation},
		{"no file name", func(r *InitRequest) { r.FileName = "../" }, types.ErrValidation},
		{"zero size", func(r *InitRequest) { r.DeclaredSize = 0 }, types.ErrValidation},
		{"zero chunks", func(r *InitRequest) { r.TotalChunks = 0 }, types.ErrValidation},
		{"chunks too few", func(r *InitRequest) { r.TotalChunks = 1 }, types.ErrValidation},
		{"chunks too many", func(r *InitRequest) { r.TotalChunks = 3 }, types.ErrValidation},
		{"one chunk per byte", func(r *InitRequest) { r.DeclaredSize = 10; r.TotalChunks = 10 }, types.ErrValidation},
		{"too large", func(r *InitRequest) { r.DeclaredSize = 2 << 20; r.TotalChunks = 2048 }, types.ErrValidation},
		{"compressed original too large", func(r *InitRequest) { r.Compressed = true; r.OriginalSize = 2 << 20 }, types.ErrValidation},
		{"unknown guide", func(r *InitRequest) { r.GuideID = uuid.New() }, types.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.modify(&req)
			_, err := env.manager.Init(context.Background(), req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestComplete_OrderIndependent(t *testing.T) {
	orders := map[string]func(n int) []int{
		"forward": func(n int) []int {
			out := make([]int, n)
			for i := range out {
				out[i] = i
			}
			return out
		},
		"reverse": func(n int) []int {
			out := make([]int, n)
			for i := range out {
				out[i] = n - 1 - i
			}
			return out
		},
		"shuffled": func(n int) []int {
			return rand.New(rand.NewSource(7)).Perm(n)
		},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			env := setupTestEnv(t, nil)
			payload := randomBytes(10*testChunkSize+17, 3)
			session, chunks := env.init(t, 1, payload, false, 0)
			require.Len(t, chunks, 11)

			for _, i := range order(len(chunks)) {
				env.send(t, session.Token, i, chunks[i])
			}

			written, err := env.manager.Complete(context.Background(), session.Token, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(len(payload)), written.Size)
			assert.Equal(t, string(payload), env.slotContent(t, 1))

			// session and chunks are gone
			_, err = env.manager.Status(context.Background(), session.Token)
			assert.True(t, errors.Is(err, types.ErrNotFound))
			paths, err := env.blobs.List(context.Background(), chunkPrefix)
			require.NoError(t, err)
			assert.Empty(t, paths)
		})
	}
}

func TestComplete_Compressed(t *testing.T) {
	env := setupTestEnv(t, nil)
	original := []byte(strings.Repeat("Proof of funds and health insurance. ", 800))

	compressed, err := compression.Compress(original)
	require.NoError(t, err)

	session, chunks := env.init(t, 2, compressed.Data, true, int64(len(original)))
	for i, chunk := range chunks {
		env.send(t, session.Token, i, chunk)
	}

	written, err := env.manager.Complete(context.Background(), session.Token, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(len(original)), written.Size)
	assert.Equal(t, string(original), env.slotContent(t, 2))
}

func TestReceiveChunk_Idempotent(t *testing.T) {
	env := setupTestEnv(t, nil)
	payload := randomBytes(3*testChunkSize, 5)
	session, chunks := env.init(t, 1, payload, false, 0)

	for i := 0; i < 4; i++ {
		progress := env.send(t, session.Token, 0, chunks[0])
		assert.Equal(t, 33, progress)
	}

	current, err := env.manager.Status(context.Background(), session.Token)
	require.NoError(t, err)
	assert.Len(t, current.Chunks, 1)
	assert.Equal(t, int64(testChunkSize), current.ReceivedBytes())
	assert.Equal(t, types.SessionReceiving, current.Status)

	sum := blake3.New()
	sum.Write(chunks[0])
	assert.Equal(t, hex.EncodeToString(sum.Sum(nil)), current.Chunks[0].Checksum)

	rc, err := env.blobs.Retrieve(context.Background(), chunkPath(session.Token, 0))
	require.NoError(t, err)
	stored, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, chunks[0], stored)
}

func TestComplete_IncompleteKeepsSlot(t *testing.T) {
	env := setupTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.attachments.Write(ctx, attachment.WriteRequest{
		GuideID: env.guide.ID, Slot: 1, FileName: "previous.pdf", Content: strings.NewReader("previous"),
	})
	require.NoError(t, err)

	payload := randomBytes(4*testChunkSize, 9)
	session, chunks := env.init(t, 1, payload, false, 0)
	for _, i := range []int{0, 1, 3} {
		env.send(t, session.Token, i, chunks[i])
	}

	_, err = env.manager.Complete(ctx, session.Token, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrIncompleteUpload))
	assert.Equal(t, "previous", env.slotContent(t, 1))

	current, err := env.manager.Status(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, current.MissingChunks())
	assert.Equal(t, types.SessionReceiving, current.Status)

	// sending the missing chunk lets complete succeed
	env.send(t, session.Token, 2, chunks[2])
	_, err = env.manager.Complete(ctx, session.Token, 1)
	require.NoError(t, err)
	assert.Equal(t, string(payload), env.slotContent(t, 1))
}

func TestComplete_CorruptData(t *testing.T) {
	original := []byte(strings.Repeat("apostille ", 500))
	compressed, err := compression.Compress(original)
	require.NoError(t, err)

	tests := []struct {
		name         string
		payload      []byte
		compressed   bool
		originalSize int64
	}{
		{"wrong original size", compressed.Data, true, int64(len(original)) + 1},
		{"not gzip", original, true, int64(len(original))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t, nil)
			ctx := context.Background()

			_, err := env.attachments.Write(ctx, attachment.WriteRequest{
				GuideID: env.guide.ID, Slot: 1, FileName: "previous.pdf", Content: strings.NewReader("previous"),
			})
			require.NoError(t, err)

			session, chunks := env.init(t, 1, tt.payload, tt.compressed, tt.originalSize)
			for i, chunk := range chunks {
				env.send(t, session.Token, i, chunk)
			}

			_, err = env.manager.Complete(ctx, session.Token, 1)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrCorruptData), "got %v", err)
			assert.Equal(t, "previous", env.slotContent(t, 1))

			// integrity failures end the session
			_, err = env.manager.ReceiveChunk(ctx, session.Token, 0, bytes.NewReader(chunks[0]), "")
			assert.True(t, errors.Is(err, types.ErrNotFound))

			paths, err := env.blobs.List(ctx, chunkPrefix)
			require.NoError(t, err)
			assert.Empty(t, paths)
		})
	}
}

func TestReceiveChunk_Rejections(t *testing.T) {
	env := setupTestEnv(t, nil)
	ctx := context.Background()
	payload := randomBytes(2*testChunkSize, 11)
	session, chunks := env.init(t, 1, payload, false, 0)

	tests := []struct {
		name     string
		token    string
		index    int
		content  []byte
		checksum string
		wantErr  error
	}{
		{"unknown token", uuid.NewString(), 0, chunks[0], "", types.ErrNotFound},
		{"index too high", session.Token, 2, chunks[0], "", types.ErrValidation},
		{"negative index", session.Token, -1, chunks[0], "", types.ErrValidation},
		{"oversized chunk", session.Token, 0, randomBytes(testChunkSize+1, 1), "", types.ErrValidation},
		{"empty chunk", session.Token, 0, nil, "", types.ErrValidation},
		{"checksum mismatch", session.Token, 0, chunks[0], strings.Repeat("0", 64), types.ErrCorruptData},
		{"short middle chunk", session.Token, 0, chunks[0][:100], "", types.ErrValidation},
		{"short last chunk", session.Token, 1, chunks[1][:testChunkSize-1], "", types.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.manager.ReceiveChunk(ctx, tt.token, tt.index, bytes.NewReader(tt.content), tt.checksum)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	current, err := env.manager.Status(ctx, session.Token)
	require.NoError(t, err)
	assert.Empty(t, current.Chunks)
	assert.Equal(t, int64(testChunkSize), current.ChunkSize)

	sum := blake3.New()
	sum.Write(chunks[1])
	_, err = env.manager.ReceiveChunk(ctx, session.Token, 1, bytes.NewReader(chunks[1]), hex.EncodeToString(sum.Sum(nil)))
	assert.NoError(t, err)
}

func TestReceiveChunk_LastChunkCarriesRemainder(t *testing.T) {
	env := setupTestEnv(t, nil)
	ctx := context.Background()
	payload := randomBytes(testChunkSize+476, 13)
	session, chunks := env.init(t, 1, payload, false, 0)
	require.Len(t, chunks[1], 476)

	// a full-size last chunk overruns the declared size
	_, err := env.manager.ReceiveChunk(ctx, session.Token, 1, bytes.NewReader(randomBytes(testChunkSize, 14)), "")
	assert.True(t, errors.Is(err, types.ErrValidation), "got %v", err)

	// the remainder may not arrive in slot 0
	_, err = env.manager.ReceiveChunk(ctx, session.Token, 0, bytes.NewReader(chunks[1]), "")
	assert.True(t, errors.Is(err, types.ErrValidation), "got %v", err)

	env.send(t, session.Token, 1, chunks[1])
	env.send(t, session.Token, 0, chunks[0])

	_, err = env.manager.Complete(ctx, session.Token, 1)
	require.NoError(t, err)
	assert.Equal(t, string(payload), env.slotContent(t, 1))
}

func TestComplete_SlotMismatch(t *testing.T) {
	env := setupTestEnv(t, nil)
	session, chunks := env.init(t, 1, randomBytes(100, 2), false, 0)
	env.send(t, session.Token, 0, chunks[0])

	_, err := env.manager.Complete(context.Background(), session.Token, 2)
	assert.True(t, errors.Is(err, types.ErrValidation))

	_, err = env.manager.Complete(context.Background(), session.Token, 1)
	assert.NoError(t, err)
}

func TestExpiryAndReap(t *testing.T) {
	env := setupTestEnv(t, nil)
	ctx := context.Background()

	session, chunks := env.init(t, 1, randomBytes(2*testChunkSize, 4), false, 0)
	env.send(t, session.Token, 0, chunks[0])

	// orphaned chunks from a session the store no longer knows
	require.NoError(t, env.blobs.Store(ctx, chunkPath("orphan", 0), strings.NewReader("x"), ""))

	later := time.Now().Add(2 * time.Hour)
	env.manager.now = func() time.Time { return later }

	_, err := env.manager.ReceiveChunk(ctx, session.Token, 1, bytes.NewReader(chunks[1]), "")
	assert.True(t, errors.Is(err, types.ErrExpiredSession))

	_, err = env.manager.Complete(ctx, session.Token, 1)
	assert.True(t, errors.Is(err, types.ErrExpiredSession))

	reclaimed, err := env.manager.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed)

	_, err = env.manager.Status(ctx, session.Token)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	paths, err := env.blobs.List(ctx, chunkPrefix)
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = env.attachments.Get(ctx, env.guide.ID, 1)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestReap_KeepsLiveSessions(t *testing.T) {
	env := setupTestEnv(t, nil)
	ctx := context.Background()

	session, chunks := env.init(t, 1, randomBytes(testChunkSize, 8), false, 0)
	env.send(t, session.Token, 0, chunks[0])

	reclaimed, err := env.manager.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)

	_, err = env.manager.Complete(ctx, session.Token, 1)
	assert.NoError(t, err)
}

func TestReceiveChunk_Concurrent(t *testing.T) {
	env := setupTestEnv(t, nil)
	payload := randomBytes(16*testChunkSize, 12)
	session, chunks := env.init(t, 2, payload, false, 0)

	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for i, chunk := range chunks {
			wg.Add(1)
			go func(i int, chunk []byte) {
				defer wg.Done()
				_, err := env.manager.ReceiveChunk(context.Background(), session.Token, i, bytes.NewReader(chunk), "")
				assert.NoError(t, err)
			}(i, chunk)
		}
	}
	wg.Wait()

	current, err := env.manager.Status(context.Background(), session.Token)
	require.NoError(t, err)
	assert.Len(t, current.Chunks, len(chunks))

	_, err = env.manager.Complete(context.Background(), session.Token, 2)
	require.NoError(t, err)
	assert.Equal(t, string(payload), env.slotContent(t, 2))
}

func TestDirect(t *testing.T) {
	env := setupTestEnv(t, nil)
	ctx := context.Background()
	original := []byte(strings.Repeat("biometric appointment ", 300))

	written, err := env.manager.Direct(ctx, DirectRequest{
		GuideID:  env.guide.ID,
		Slot:     1,
		FileName: "C:\\docs\\plain.txt",
		MimeType: "text/plain",
		Size:     int64(len(original)),
		Content:  bytes.NewReader(original),
	})
	require.NoError(t, err)
	assert.Equal(t, "plain.txt", written.FileName)
	assert.Equal(t, string(original), env.slotContent(t, 1))

	compressed, err := compression.Compress(original)
	require.NoError(t, err)

	_, err = env.manager.Direct(ctx, DirectRequest{
		GuideID:    env.guide.ID,
		Slot:       2,
		FileName:   "packed.txt",
		Compressed: true,
		Size:       int64(len(compressed.Data)),
		Content:    bytes.NewReader(compressed.Data),
	})
	require.NoError(t, err)
	assert.Equal(t, string(original), env.slotContent(t, 2))

	_, err = env.manager.Direct(ctx, DirectRequest{
		GuideID:    env.guide.ID,
		Slot:       2,
		FileName:   "broken.txt",
		Compressed: true,
		Content:    strings.NewReader("not gzip at all"),
	})
	assert.True(t, errors.Is(err, types.ErrCorruptData))
	assert.Equal(t, string(original), env.slotContent(t, 2))

	_, err = env.manager.Direct(ctx, DirectRequest{
		GuideID:  env.guide.ID,
		Slot:     1,
		FileName: "short.txt",
		Size:     999,
		Content:  strings.NewReader("short"),
	})
	assert.True(t, errors.Is(err, types.ErrCorruptData))
}

func TestTwoSlotsThenReplace(t *testing.T) {
	env := setupTestEnv(t, nil)
	ctx := context.Background()

	upload := func(slot int, payload []byte) {
		session, chunks := env.init(t, slot, payload, false, 0)
		for i, chunk := range chunks {
			env.send(t, session.Token, i, chunk)
		}
		_, err := env.manager.Complete(ctx, session.Token, slot)
		require.NoError(t, err)
	}

	first := randomBytes(2500, 21)
	second := randomBytes(1500, 22)
	third := randomBytes(3100, 23)

	upload(1, first)
	upload(2, second)
	assert.Equal(t, string(first), env.slotContent(t, 1))
	assert.Equal(t, string(second), env.slotContent(t, 2))

	upload(1, third)
	assert.Equal(t, string(third), env.slotContent(t, 1))
	assert.Equal(t, string(second), env.slotContent(t, 2))
}

func TestRun_StopsOnCancel(t *testing.T) {
	env := setupTestEnv(t, nil)
	env.manager.config.ReapInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.manager.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
