package main

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxai/voxcore/internal/annindex"
	"github.com/voxai/voxcore/internal/config"
	"github.com/voxai/voxcore/internal/metadata"
	"github.com/voxai/voxcore/internal/retrieval"
	"github.com/voxai/voxcore/internal/vectorstore"
)

func newTestEngine(index *annindex.Graph, meta *metadata.Store) *retrieval.Engine {
	return retrieval.New(index, meta, retrieval.DefaultConfig())
}

func newCLITestFixtures(t *testing.T) (*vectorstore.Store, *metadata.Store, *annindex.Graph) {
	t.Helper()
	vecs, meta, index, _ := newCLITestFixturesWithDir(t)
	return vecs, meta, index
}

func newCLITestFixturesWithDir(t *testing.T) (*vectorstore.Store, *metadata.Store, *annindex.Graph, string) {
	t.Helper()
	dir := t.TempDir()

	vecs, err := vectorstore.Open(dir+"/vectors.bin", 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vecs.Close() })

	meta, err := metadata.Open(dir + "/metadata.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	index := annindex.New(vecs, annindex.DefaultConfig())
	return vecs, meta, index, dir
}

func TestCLIIngestDocument_WritesChunksAndReturnsIDs(t *testing.T) {
	vecs, meta, index := newCLITestFixtures(t)

	payload := []byte(`{
		"namespace": "proj1",
		"document": {"id": "doc-A", "source": "test"},
		"chunks": [{"vector": [1,0,0], "content": "hello", "token_count": 5}]
	}`)

	result, err := cliIngestDocument(payload, vecs, meta, index)
	require.NoError(t, err)

	m := result.(map[string]any)
	assert.Equal(t, "ingested", m["status"])
	assert.Equal(t, "doc-A", m["doc_id"])
	assert.Equal(t, 1, m["vector_count"])
}

func TestCLIIngestMessage_RequiresAllFields(t *testing.T) {
	vecs, meta, index := newCLITestFixtures(t)

	_, err := cliIngestMessage([]byte(`{"namespace":"p1"}`), vecs, meta, index)
	require.Error(t, err)
}

func TestCLIIngestMessage_SynthesizesDocID(t *testing.T) {
	vecs, meta, index := newCLITestFixtures(t)

	payload := []byte(`{
		"namespace": "proj1", "conversation_id": "conv-1", "role": "user",
		"content": "hi", "vector": [1,0,0], "token_count": 2
	}`)

	result, err := cliIngestMessage(payload, vecs, meta, index)
	require.NoError(t, err)

	m := result.(map[string]any)
	assert.Equal(t, "ingested_message", m["status"])
	assert.True(t, strings.HasPrefix(m["doc_id"].(string), "chat:conv-1:"))
}

func TestRunCLI_RetrieveOnEmptyIndexReturnsEmptyChunks(t *testing.T) {
	vecs, meta, index, dir := newCLITestFixturesWithDir(t)
	engine := newTestEngine(index, meta)
	cfg := &config.Config{DataDir: dir, Dimension: 3}

	var stdout, stderr bytes.Buffer
	payload := strings.NewReader(`{"query": [1,0,0], "max_tokens": 100}`)

	code := runCLI("retrieve", "", payload, &stdout, &stderr, vecs, meta, index, engine, cfg, nil)
	require.Equal(t, 0, code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp))
	assert.Equal(t, float64(0), resp["total_tokens"])
}

func TestRunCLI_UnknownCommandReturnsUsageError(t *testing.T) {
	vecs, meta, index, dir := newCLITestFixturesWithDir(t)
	engine := newTestEngine(index, meta)
	cfg := &config.Config{DataDir: dir, Dimension: 3}

	var stdout, stderr bytes.Buffer
	code := runCLI("bogus", "", strings.NewReader(""), &stdout, &stderr, vecs, meta, index, engine, cfg, nil)
	assert.Equal(t, 2, code)
}

func TestRunCLI_Stats_ReportsVectorCount(t *testing.T) {
	vecs, meta, index, dir := newCLITestFixturesWithDir(t)
	engine := newTestEngine(index, meta)
	cfg := &config.Config{DataDir: dir, Dimension: 3}

	_, err := vecs.Append([]float32{1, 0, 0})
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	code := runCLI("stats", "", strings.NewReader(""), &stdout, &stderr, vecs, meta, index, engine, cfg, nil)
	require.Equal(t, 0, code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp))
	assert.Equal(t, float64(1), resp["vec_count"])
}

func TestRunCLI_IndexInfo_ReportsDimensionAndPaths(t *testing.T) {
	vecs, meta, index, dir := newCLITestFixturesWithDir(t)
	engine := newTestEngine(index, meta)
	cfg := &config.Config{DataDir: dir, Dimension: 3}

	var stdout, stderr bytes.Buffer
	code := runCLI("index_info", "", strings.NewReader(""), &stdout, &stderr, vecs, meta, index, engine, cfg, nil)
	require.Equal(t, 0, code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp))
	assert.Equal(t, float64(3), resp["dimension"])
	assert.Equal(t, dir+"/vectors.bin", resp["vectors_file"])
}

func TestCLIInitConfig_FirstRunWritesDefaultsWithoutBackup(t *testing.T) {
	tmpDir := t.TempDir()
	origXDG := os.Getenv("XDG_CONFIG_HOME")
	require.NoError(t, os.Setenv("XDG_CONFIG_HOME", tmpDir))
	t.Cleanup(func() { _ = os.Setenv("XDG_CONFIG_HOME", origXDG) })

	result, err := cliInitConfig()
	require.NoError(t, err)

	resp, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "config_initialized", resp["status"])
	assert.Equal(t, false, resp["upgraded"])
	assert.Nil(t, resp["backup_path"])
	assert.FileExists(t, config.GetUserConfigPath())
}

func TestCLIInitConfig_SecondRunBacksUpExistingFile(t *testing.T) {
	tmpDir := t.TempDir()
	origXDG := os.Getenv("XDG_CONFIG_HOME")
	require.NoError(t, os.Setenv("XDG_CONFIG_HOME", tmpDir))
	t.Cleanup(func() { _ = os.Setenv("XDG_CONFIG_HOME", origXDG) })

	_, err := cliInitConfig()
	require.NoError(t, err)

	result, err := cliInitConfig()
	require.NoError(t, err)

	resp, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, resp["upgraded"])
	backupPath, ok := resp["backup_path"].(string)
	require.True(t, ok)
	assert.FileExists(t, backupPath)
}

func TestCLIConfigBackups_ListsSavedCopies(t *testing.T) {
	tmpDir := t.TempDir()
	origXDG := os.Getenv("XDG_CONFIG_HOME")
	require.NoError(t, os.Setenv("XDG_CONFIG_HOME", tmpDir))
	t.Cleanup(func() { _ = os.Setenv("XDG_CONFIG_HOME", origXDG) })

	result, err := cliConfigBackups()
	require.NoError(t, err)
	resp, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Empty(t, resp["backups"])

	// A second init backs up the first config file.
	_, err = cliInitConfig()
	require.NoError(t, err)
	_, err = cliInitConfig()
	require.NoError(t, err)

	result, err = cliConfigBackups()
	require.NoError(t, err)
	resp = result.(map[string]any)
	backups, ok := resp["backups"].([]config.Backup)
	require.True(t, ok)
	require.Len(t, backups, 1)
	assert.FileExists(t, backups[0].Path)
}

func TestCLIConfigRestore_DefaultsToNewestBackup(t *testing.T) {
	tmpDir := t.TempDir()
	origXDG := os.Getenv("XDG_CONFIG_HOME")
	require.NoError(t, os.Setenv("XDG_CONFIG_HOME", tmpDir))
	t.Cleanup(func() { _ = os.Setenv("XDG_CONFIG_HOME", origXDG) })

	_, err := cliInitConfig()
	require.NoError(t, err)
	_, err = cliInitConfig()
	require.NoError(t, err)

	result, err := cliConfigRestore(nil)
	require.NoError(t, err)

	resp, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "config_restored", resp["status"])
	assert.FileExists(t, config.GetUserConfigPath())
}

func TestCLIConfigRestore_NoBackupsFails(t *testing.T) {
	tmpDir := t.TempDir()
	origXDG := os.Getenv("XDG_CONFIG_HOME")
	require.NoError(t, os.Setenv("XDG_CONFIG_HOME", tmpDir))
	t.Cleanup(func() { _ = os.Setenv("XDG_CONFIG_HOME", origXDG) })

	_, err := cliConfigRestore(nil)
	require.Error(t, err)
}
