package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"

	"github.com/dcellar/dcellar-checksum/internal/api"
	"github.com/dcellar/dcellar-checksum/internal/checksum"
	"github.com/dcellar/dcellar-checksum/internal/models"
	"github.com/dcellar/dcellar-checksum/internal/service"
)

func testService(t *testing.T) *checksum.Service {
	t.Helper()
	opts := checksum.DefaultOptions()
	opts.Redundancy.SegmentSize = 1024
	opts.WorkerPoolSize = 2
	svc, err := checksum.NewService(opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func resetFlags() {
	bucketURL, objectKey = "", ""
	verifyFile, expectChecksums = "", ""
	remoteFile, proxyURL, sessionID = "", "", ""
	daemonAddr = "http://localhost:8081"
	retries = 3
	useCache = false
}

// execute runs the command line with a small layout and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	resetFlags()
	t.Cleanup(resetFlags)

	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"--segment-size", "1KiB", "--workers", "2"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i * 13)
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, content, 0600))
	return content
}

func decodeResponses(t *testing.T, out string) []models.ChecksumResponse {
	t.Helper()
	var responses []models.ChecksumResponse
	decoder := json.NewDecoder(bytes.NewBufferString(out))
	for decoder.More() {
		var response models.ChecksumResponse
		require.NoError(t, decoder.Decode(&response))
		responses = append(responses, response)
	}
	return responses
}

func TestSizeValue(t *testing.T) {
	var s sizeValue
	require.NoError(t, s.Set("16MiB"))
	assert.EqualValues(t, 16*1024*1024, s)
	assert.Equal(t, "16MiB", s.String())
	require.NoError(t, s.Set("512k"))
	assert.EqualValues(t, 512*1024, s)

	assert.Error(t, s.Set("lots"))
	assert.Error(t, s.Set("0"))
	assert.Equal(t, "size", s.Type())
}

func TestExpandPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.bin"), 1)
	writeFile(t, filepath.Join(dir, "nested", "b.bin"), 1)
	writeFile(t, filepath.Join(dir, "c.txt"), 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	paths, err := expandPaths([]string{filepath.Join(dir, "**", "*.bin"), "plain"}, logger)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "a.bin"),
		filepath.Join(dir, "nested", "b.bin"),
		"plain",
	}, paths)

	paths, err = expandPaths([]string{filepath.Join(dir, "*.none")}, logger)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestHashCommand(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, filepath.Join(dir, "one.bin"), 3000)
	second := writeFile(t, filepath.Join(dir, "two.bin"), 10)

	out, err := execute(t, "hash", filepath.Join(dir, "*.bin"))
	require.NoError(t, err)
	responses := decodeResponses(t, out)
	require.Len(t, responses, 2)

	svc := testService(t)
	for i, content := range [][]byte{first, second} {
		want, err := svc.Generate(context.Background(), checksum.BytesSource(content))
		require.NoError(t, err)
		assert.Equal(t, *want, responses[i].Result)
		assert.EqualValues(t, 1024, responses[i].Config.SegmentSize)
		assert.Equal(t, filepath.Join(dir, []string{"one.bin", "two.bin"}[i]), responses[i].FileName)
	}
}

func TestHashCommandWithCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cached.bin")
	writeFile(t, path, 2048)
	dbPath := filepath.Join(t.TempDir(), "checksums.db")
	t.Setenv("DCELLAR_DATABASE_PATH", dbPath)

	out, err := execute(t, "hash", "--cache", path)
	require.NoError(t, err)
	assert.False(t, decodeResponses(t, out)[0].Cached)

	out, err = execute(t, "hash", "--cache", path)
	require.NoError(t, err)
	assert.True(t, decodeResponses(t, out)[0].Cached)
}

func TestHashCommandBucket(t *testing.T) {
	dir := t.TempDir()
	bucket, err := blob.OpenBucket(context.Background(), "file://"+dir)
	require.NoError(t, err)
	content := []byte("object stored in a bucket, hashed with ranged reads")
	require.NoError(t, bucket.WriteAll(context.Background(), "objects/x.bin", content, nil))
	require.NoError(t, bucket.Close())

	out, err := execute(t, "hash", "--bucket", "file://"+dir, "--key", "objects/x.bin")
	require.NoError(t, err)
	responses := decodeResponses(t, out)
	require.Len(t, responses, 1)

	want, err := testService(t).Generate(context.Background(), checksum.BytesSource(content))
	require.NoError(t, err)
	assert.Equal(t, *want, responses[0].Result)
	assert.Equal(t, "objects/x.bin", responses[0].FileName)
}

func TestHashCommandErrors(t *testing.T) {
	_, err := execute(t, "hash")
	assert.Error(t, err)

	_, err = execute(t, "hash", "--bucket", "file:///tmp")
	assert.Error(t, err)

	_, err = execute(t, "hash", filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}

func TestVerifyCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin")
	content := writeFile(t, path, 4000)
	want, err := testService(t).Generate(context.Background(), checksum.BytesSource(content))
	require.NoError(t, err)
	expected, err := json.Marshal(want.ExpectCheckSums)
	require.NoError(t, err)

	out, err := execute(t, "verify", "--file", path, "--expect", string(expected))
	require.NoError(t, err)
	assert.Contains(t, out, "OK")

	hashOut, err := execute(t, "hash", path)
	require.NoError(t, err)
	resultPath := filepath.Join(t.TempDir(), "result.json")
	require.NoError(t, os.WriteFile(resultPath, []byte(hashOut), 0600))
	_, err = execute(t, "verify", "--file", path, "--expect", "@"+resultPath)
	require.NoError(t, err)

	tampered := append([]string(nil), want.ExpectCheckSums...)
	tampered[2] = tampered[1]
	expected, err = json.Marshal(tampered)
	require.NoError(t, err)
	_, err = execute(t, "verify", "--file", path, "--expect", string(expected))
	var mismatch *checksum.MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 2, mismatch.Index)
}

func TestParseExpected(t *testing.T) {
	_, err := parseExpected("not json")
	assert.Error(t, err)
	_, err = parseExpected(`["YWJj"]`)
	assert.Error(t, err, "checksums must decode to 32 bytes")
	_, err = parseExpected("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRemoteCommand(t *testing.T) {
	svc := testService(t)
	controller := api.NewController(svc, service.NewChecksummer(svc.Redundancy(), nil, nil), time.Minute, 0, nil)
	server := httptest.NewServer(controller.Routes())
	defer server.Close()

	path := filepath.Join(t.TempDir(), "remote.bin")
	content := writeFile(t, path, 5000)

	out, err := execute(t, "remote", "--file", path, "--addr", server.URL, "--session", "cli")
	require.NoError(t, err)
	responses := decodeResponses(t, out)
	require.Len(t, responses, 1)

	want, err := svc.Generate(context.Background(), checksum.BytesSource(content))
	require.NoError(t, err)
	assert.Equal(t, *want, responses[0].Result)
	assert.Equal(t, "remote.bin", responses[0].FileName)
	assert.Equal(t, "cli", responses[0].SessionId)
}

func TestRemoteCommandErrors(t *testing.T) {
	_, err := execute(t, "remote")
	assert.Error(t, err)

	_, err = newHTTPClient("socks5://127.0.0.1:1080", 1)
	assert.NoError(t, err)
	_, err = newHTTPClient("gopher://127.0.0.1:1", 1)
	assert.Error(t, err)
}
