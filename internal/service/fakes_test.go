package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fmueller/medialoader/internal/media"
	"github.com/fmueller/medialoader/internal/storage"
	"github.com/fmueller/medialoader/internal/task"
	"github.com/fmueller/medialoader/internal/transcript"
	"github.com/fmueller/medialoader/internal/whisper"
	"github.com/fmueller/medialoader/internal/worker"
)

type memoryObject struct {
	data        []byte
	contentType string
}

type memoryObjects struct {
	mu        sync.Mutex
	objects   map[string]memoryObject
	uploadErr error
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: map[string]memoryObject{}}
}

func (m *memoryObjects) Bucket() string { return "media" }

func (m *memoryObjects) Check(context.Context) error { return nil }

func (m *memoryObjects) UploadFile(ctx context.Context, path, key, contentType string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.UploadBytes(ctx, data, key, contentType, nil)
}

func (m *memoryObjects) UploadBytes(_ context.Context, data []byte, key, contentType string, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (m *memoryObjects) DownloadFile(ctx context.Context, key, path string) error {
	data, err := m.ReadObject(ctx, key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (m *memoryObjects) ReadObject(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return obj.data, nil
}

func (m *memoryObjects) PresignedURL(_ context.Context, key string, expires time.Duration) (string, error) {
	return "https://minio.test/media/" + key + "?expires=" + expires.String(), nil
}

func (m *memoryObjects) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *memoryObjects) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memoryObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryObjects) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
			n++
		}
	}
	return n, nil
}

func (m *memoryObjects) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for key := range m.objects {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (m *memoryObjects) put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: data, contentType: storage.ContentType(key)}
}

// fakeDownloader writes files into the download directory the way yt-dlp
// would and reports a few progress steps.
type fakeDownloader struct {
	videoID string
	title   string
	files   map[string]string
	// primary names the main media file; defaults to the first file name.
	primary string
	err     error
	// panics makes Download panic with this value when set.
	panics any

	mu       sync.Mutex
	requests []media.Request
	dirs     []string
}

func (f *fakeDownloader) Download(_ context.Context, req media.Request, dir string, progress media.ProgressFunc) (media.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.dirs = append(f.dirs, dir)
	f.mu.Unlock()

	if f.panics != nil {
		panic(f.panics)
	}
	if f.err != nil {
		return media.Result{}, f.err
	}
	for _, p := range []float64{0.25, 0.5, 1} {
		progress(p)
	}

	res := media.Result{Metadata: media.VideoMetadata{VideoID: f.videoID, Title: f.title, Duration: 12.5, Format: "mp4", SourceURL: req.URL}}
	names := make([]string, 0, len(f.files))
	for name := range f.files {
		names = append(names, name)
	}
	sort.Strings(names)
	primary := f.primary
	if primary == "" && len(names) > 0 {
		primary = names[0]
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(f.files[name]), 0o644); err != nil {
			return media.Result{}, err
		}
		if name == primary {
			res.MediaFile = path
		} else {
			res.Additional = append(res.Additional, path)
		}
	}
	return res, nil
}

func (f *fakeDownloader) calls() []media.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]media.Request(nil), f.requests...)
}

// syncQueue runs jobs inline so tests can assert on the finished task.
type syncQueue struct {
	ctx context.Context
}

func (q syncQueue) Submit(job worker.Job) error {
	ctx := q.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	job(ctx)
	return nil
}

type rejectingQueue struct{ err error }

func (q rejectingQueue) Submit(worker.Job) error { return q.err }

type fakeExtractor struct {
	samples []int16
	err     error

	mu     sync.Mutex
	inputs []string
}

func (f *fakeExtractor) ExtractAudio(_ context.Context, in, out string) error {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return writeWAV(out, f.samples)
}

type fakeEngine struct {
	needsModel bool
	result     transcript.Transcript
	err        error

	mu       sync.Mutex
	requests []whisper.Request
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) NeedsModel() bool { return f.needsModel }

func (f *fakeEngine) Transcribe(_ context.Context, req whisper.Request) (transcript.Transcript, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return transcript.Transcript{}, f.err
	}
	if req.Progress != nil {
		req.Progress(0.5)
		req.Progress(1)
	}
	return f.result, nil
}

func (f *fakeEngine) calls() []whisper.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]whisper.Request(nil), f.requests...)
}

type fakeModels struct {
	path string
	err  error
	refs []string
}

func (f *fakeModels) Ensure(_ context.Context, ref string) (whisper.ResolvedModel, error) {
	f.refs = append(f.refs, ref)
	if f.err != nil {
		return whisper.ResolvedModel{}, f.err
	}
	return whisper.ResolvedModel{Name: ref, Path: f.path}, nil
}

type fakePlaylists struct {
	entries []media.PlaylistEntry
	err     error
}

func (f fakePlaylists) ListPlaylist(_ context.Context, _ string, limit int) ([]media.PlaylistEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

var errBoom = errors.New("boom")

func newTestManager(t *testing.T) *task.Manager {
	t.Helper()
	m := task.NewManager(task.NewMemoryStore(), zap.NewNop())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func requireTask(t *testing.T, m *task.Manager, id string) task.Task {
	t.Helper()
	got, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "scratch directories must be removed")
}

// writeWAV stores 16 kHz mono PCM16 samples.
func writeWAV(path string, samples []int16) error {
	var data bytes.Buffer
	for _, s := range samples {
		_ = binary.Write(&data, binary.LittleEndian, s)
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+data.Len()))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16000))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(32000))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(data.Len()))
	buf.Write(data.Bytes())
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func loudSamples() []int16 {
	out := make([]int16, 1600)
	for i := range out {
		if i%2 == 0 {
			out[i] = 12000
		} else {
			out[i] = -12000
		}
	}
	return out
}
