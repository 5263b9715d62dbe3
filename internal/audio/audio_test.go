// Package audio_test tests WAV parsing, merging, and the mixall handler.
package audio_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-orchestrator/internal/audio"
	"github.com/book-expert/voice-orchestrator/internal/core"
)

// makeWAV builds a minimal canonical PCM WAV around the given data
// section.
func makeWAV(channels uint16, sampleRate uint32, bits uint16, data []byte) []byte {
	blockAlign := channels * bits / 8
	byteRate := sampleRate * uint32(blockAlign)

	out := make([]byte, 44+len(data))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(data)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], channels)
	binary.LittleEndian.PutUint32(out[24:28], sampleRate)
	binary.LittleEndian.PutUint32(out[28:32], byteRate)
	binary.LittleEndian.PutUint16(out[32:34], blockAlign)
	binary.LittleEndian.PutUint16(out[34:36], bits)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(data)))
	copy(out[44:], data)

	return out
}

func TestParse_ValidFile(t *testing.T) {
	t.Parallel()

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	raw := makeWAV(1, 44100, 16, data)

	file, err := audio.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(1), file.Format.Channels)
	require.Equal(t, uint32(44100), file.Format.SampleRate)
	require.Equal(t, uint16(16), file.Format.BitsPerSample)
	require.Equal(t, data, file.Data)
}

func TestParse_RejectsNonWAV(t *testing.T) {
	t.Parallel()

	_, err := audio.Parse([]byte("this is definitely not a wav file at all"))
	require.ErrorIs(t, err, audio.ErrNotWAV)

	_, err = audio.Parse([]byte("RIFF"))
	require.ErrorIs(t, err, audio.ErrTruncated)
}

func TestParse_RejectsNonPCM(t *testing.T) {
	t.Parallel()

	raw := makeWAV(1, 44100, 16, []byte{1, 2})
	// Overwrite the format code with IEEE float (3).
	binary.LittleEndian.PutUint16(raw[20:22], 3)

	_, err := audio.Parse(raw)
	require.ErrorIs(t, err, audio.ErrNotPCM)
}

func TestParse_RejectsTruncatedData(t *testing.T) {
	t.Parallel()

	raw := makeWAV(1, 44100, 16, []byte{1, 2, 3, 4})
	// Claim more data than the file carries.
	binary.LittleEndian.PutUint32(raw[40:44], 4096)

	_, err := audio.Parse(raw)
	require.ErrorIs(t, err, audio.ErrTruncated)
}

func TestMerge_ConcatenatesData(t *testing.T) {
	t.Parallel()

	first, err := audio.Parse(makeWAV(1, 22050, 16, []byte{1, 2, 3, 4}))
	require.NoError(t, err)

	second, err := audio.Parse(makeWAV(1, 22050, 16, []byte{5, 6}))
	require.NoError(t, err)

	merged, err := audio.Merge([]*audio.File{first, second})
	require.NoError(t, err)

	combined, err := audio.Parse(merged)
	require.NoError(t, err)
	require.Equal(t, first.Format, combined.Format)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, combined.Data)
}

func TestMerge_RejectsFormatMismatch(t *testing.T) {
	t.Parallel()

	mono, err := audio.Parse(makeWAV(1, 22050, 16, []byte{1, 2}))
	require.NoError(t, err)

	stereo, err := audio.Parse(makeWAV(2, 22050, 16, []byte{3, 4}))
	require.NoError(t, err)

	_, err = audio.Merge([]*audio.File{mono, stereo})
	require.ErrorIs(t, err, audio.ErrFormatMismatch)
}

func TestMerge_Empty(t *testing.T) {
	t.Parallel()

	_, err := audio.Merge(nil)
	require.ErrorIs(t, err, audio.ErrNothingToMerge)
}

// memArtifacts is an in-memory artifact store for handler tests.
type memArtifacts struct {
	objects map[string][]byte

	downloadErr error
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{objects: make(map[string][]byte), downloadErr: nil}
}

func (m *memArtifacts) Upload(
	_ context.Context,
	key string,
	data []byte,
	contentType string,
) (core.Artifact, error) {
	m.objects[key] = data

	return core.Artifact{Key: key, ContentType: contentType, Size: int64(len(data))}, nil
}

func (m *memArtifacts) Download(_ context.Context, key string) ([]byte, error) {
	if m.downloadErr != nil {
		return nil, m.downloadErr
	}

	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}

	return data, nil
}

func (m *memArtifacts) List(_ context.Context) ([]core.ArtifactInfo, error) {
	infos := make([]core.ArtifactInfo, 0, len(m.objects))
	for key, data := range m.objects {
		infos = append(infos, core.ArtifactInfo{
			Key:        key,
			Size:       int64(len(data)),
			ModifiedAt: time.Now(),
		})
	}

	return infos, nil
}

func (m *memArtifacts) Delete(_ context.Context, key string) error {
	delete(m.objects, key)

	return nil
}

// nopReporter discards progress checkpoints.
type nopReporter struct{}

func (nopReporter) Progress(_ context.Context, _, _ int64, _ string) error {
	return nil
}

func newMixTask() core.Task {
	now := time.Now().UTC()

	return core.Task{
		ID:          "mix-task-1",
		Domain:      core.DomainMixAll,
		QueueName:   core.MixAllQueue,
		State:       core.StateStarted,
		Progress:    core.Progress{Current: 0, Total: 0, Message: ""},
		Result:      nil,
		Error:       nil,
		Attempt:     0,
		MaxAttempts: 3,
		UserID:      "",
		TenantID:    "",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newAudioHandler(t *testing.T, store *memArtifacts) *audio.Handler {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "audio-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	return audio.NewHandler(store, testLogger)
}

func TestHandler_MergesChunksIntoOneArtifact(t *testing.T) {
	t.Parallel()

	store := newMemArtifacts()
	store.objects["chunk-0"] = makeWAV(1, 22050, 16, []byte{1, 2, 3, 4})
	store.objects["chunk-1"] = makeWAV(1, 22050, 16, []byte{5, 6})

	handler := newAudioHandler(t, store)

	payload, err := json.Marshal(audio.Request{
		ChunkKeys: []string{"chunk-0", "chunk-1"},
		OutputKey: "",
	})
	require.NoError(t, err)

	resultData, err := handler.Handle(context.Background(), newMixTask(), payload, nopReporter{})
	require.NoError(t, err)

	var result audio.Result

	require.NoError(t, json.Unmarshal(resultData, &result))
	require.Equal(t, 2, result.Chunks)
	require.Equal(t, "mix-task-1.wav", result.Artifact.Key)

	merged, err := audio.Parse(store.objects["mix-task-1.wav"])
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, merged.Data)
}

func TestHandler_StoreFailureIsTransient(t *testing.T) {
	t.Parallel()

	store := newMemArtifacts()
	store.downloadErr = errors.New("bucket offline")

	handler := newAudioHandler(t, store)

	payload, err := json.Marshal(audio.Request{
		ChunkKeys: []string{"chunk-0"},
		OutputKey: "",
	})
	require.NoError(t, err)

	_, err = handler.Handle(context.Background(), newMixTask(), payload, nopReporter{})
	require.Error(t, err)
	require.Equal(t, core.KindTransient, core.ClassifyError(err))
}

func TestHandler_MalformedChunkIsPermanent(t *testing.T) {
	t.Parallel()

	store := newMemArtifacts()
	store.objects["chunk-0"] = []byte("not audio at all, just some text")

	handler := newAudioHandler(t, store)

	payload, err := json.Marshal(audio.Request{
		ChunkKeys: []string{"chunk-0"},
		OutputKey: "",
	})
	require.NoError(t, err)

	_, err = handler.Handle(context.Background(), newMixTask(), payload, nopReporter{})
	require.ErrorIs(t, err, audio.ErrNotWAV)
	require.Equal(t, core.KindPermanent, core.ClassifyError(err))
}

func TestHandler_RejectsEmptyPayload(t *testing.T) {
	t.Parallel()

	handler := newAudioHandler(t, newMemArtifacts())

	_, err := handler.Handle(
		context.Background(),
		newMixTask(),
		[]byte(`{"chunk_keys":[]}`),
		nopReporter{},
	)
	require.ErrorIs(t, err, core.ErrInvalidPayload)
}
