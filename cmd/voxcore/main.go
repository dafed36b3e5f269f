// Command voxcore runs the retrieval engine either as a long-lived HTTP
// server or as a single-shot CLI operation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mattn/go-isatty"

	"github.com/voxai/voxcore/internal/annindex"
	"github.com/voxai/voxcore/internal/config"
	"github.com/voxai/voxcore/internal/httpapi"
	"github.com/voxai/voxcore/internal/ingest"
	"github.com/voxai/voxcore/internal/lifecycle"
	"github.com/voxai/voxcore/internal/logging"
	"github.com/voxai/voxcore/internal/metadata"
	"github.com/voxai/voxcore/internal/retrieval"
	"github.com/voxai/voxcore/internal/verrors"
	"github.com/voxai/voxcore/internal/vectorstore"
	"github.com/voxai/voxcore/pkg/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("voxcore", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cmdFlag := fs.String("cmd", "", "single-shot operation: ingest_message, ingest_document, retrieve, stats, index_info, init_config, config_backups, or config_restore")
	addrFlag := fs.String("addr", "", "HTTP listen address; if set and -cmd is empty, runs the server")
	dataFlag := fs.String("data", "", "data directory containing vectors.bin and metadata.db")
	dimFlag := fs.Int("dim", 0, "vector dimension (must be positive and match an existing vector file)")
	inputFlag := fs.String("input", "", "path to a JSON payload for -cmd; defaults to stdin")
	versionFlag := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *versionFlag {
		fmt.Fprintln(stdout, version.String())
		return 0
	}

	// Config maintenance operations only touch voxcore's own config file,
	// never a data directory, so they are handled before the lifecycle lock
	// and the vector/metadata stores are opened.
	switch *cmdFlag {
	case "init_config", "config_backups", "config_restore":
		result, err := runConfigCommand(*cmdFlag, *inputFlag, stdin)
		if err != nil {
			fmt.Fprintln(stderr, verrors.FormatForCLI(err))
			return 1
		}
		line, err := json.Marshal(result)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, string(line))
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *dataFlag != "" {
		cfg.DataDir = *dataFlag
	}
	if *dimFlag > 0 {
		cfg.Dimension = *dimFlag
	}
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}
	// config.Load() already applied VOX_DATA_DIR/VOX_DIM/VOX_ADDR/VOX_LOG_LEVEL
	// at file-override precedence; -data/-dim/-addr above take precedence over
	// those (flags win over the environment).

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
	logCfg.MaxFiles = cfg.Logging.MaxFiles
	logCfg.WriteToStderr = cfg.Logging.WriteToStderr
	logger, logWriter, cleanupLog, err := logging.SetupWithWriter(logCfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanupLog()

	lock, err := lifecycle.Acquire(cfg.DataDir)
	if err != nil {
		fmt.Fprintln(stderr, verrors.FormatForCLI(err))
		return 1
	}
	defer lock.Release()

	vecs, err := vectorstore.Open(cfg.DataDir+"/vectors.bin", cfg.Dimension)
	if err != nil {
		fmt.Fprintln(stderr, verrors.FormatForCLI(err))
		return 1
	}
	defer vecs.Close()

	meta, err := metadata.Open(cfg.DataDir + "/metadata.db")
	if err != nil {
		fmt.Fprintln(stderr, verrors.FormatForCLI(err))
		return 1
	}
	defer meta.Close()

	idxCfg := annindex.Config{
		M:              cfg.Index.M,
		M0:             cfg.Index.M0,
		EfConstruction: cfg.Index.EfConstruction,
		EfSearch:       cfg.Index.EfSearch,
		MaxLevel:       cfg.Index.MaxLevel,
		Retention:      cfg.Index.Retention,
	}
	index := annindex.New(vecs, idxCfg)

	startupLog := logging.Component(logger, "startup")
	startupLog.Info("replaying index", slog.Int("vector_count", vecs.Count()))
	if err := ingest.ReplayIndex(context.Background(), index, vecs); err != nil {
		fmt.Fprintln(stderr, verrors.FormatForCLI(err))
		return 1
	}

	retCfg := retrieval.Config{
		MaxTokens:        cfg.Retrieval.MaxTokens,
		TopKCandidates:   cfg.Retrieval.TopKCandidates,
		SimilarityWeight: cfg.Retrieval.SimilarityWeight,
		RecencyWeight:    cfg.Retrieval.RecencyWeight,
	}
	engine := retrieval.New(index, meta, retCfg)

	if *cmdFlag != "" {
		return runCLI(*cmdFlag, *inputFlag, stdin, stdout, stderr, vecs, meta, index, engine, cfg, logWriter)
	}

	return runServer(cfg, vecs, meta, index, engine, logger, stderr)
}

// runServer starts the HTTP server and blocks until it is interrupted. The
// listen address is fixed at startup; a detected config file change is
// logged, not applied live.
func runServer(cfg *config.Config, vecs *vectorstore.Store, meta *metadata.Store, index *annindex.Graph, engine *retrieval.Engine, logger *slog.Logger, stderr io.Writer) int {
	server := httpapi.New(vecs, meta, index, engine, logger)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(config.GetUserConfigDir()); err == nil {
			go watchConfig(watcher, logger)
		}
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(stderr, err)
			return 1
		}
	case <-sigCh:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	return 0
}

// watchConfig logs config file changes; the listen address and other
// startup-only fields are never hot-applied.
func watchConfig(watcher *fsnotify.Watcher, logger *slog.Logger) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				logger.Info("config file changed; restart to apply", slog.String("path", event.Name))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

// runCLI executes one single-shot operation, reading its JSON payload from
// -input or stdin (where applicable) and writing a single JSON line to
// stdout. "stats" and "index_info" take no payload.
func runCLI(cmd, inputPath string, stdin io.Reader, stdout, stderr io.Writer, vecs *vectorstore.Store, meta *metadata.Store, index *annindex.Graph, engine *retrieval.Engine, cfg *config.Config, logWriter *logging.RotatingWriter) int {
	var result any
	var err error
	switch cmd {
	case "ingest_message":
		payload, readErr := readInput(inputPath, stdin)
		if readErr != nil {
			fmt.Fprintln(stderr, readErr)
			return 1
		}
		result, err = cliIngestMessage(payload, vecs, meta, index)
	case "ingest_document":
		payload, readErr := readInput(inputPath, stdin)
		if readErr != nil {
			fmt.Fprintln(stderr, readErr)
			return 1
		}
		result, err = cliIngestDocument(payload, vecs, meta, index)
	case "retrieve":
		payload, readErr := readInput(inputPath, stdin)
		if readErr != nil {
			fmt.Fprintln(stderr, readErr)
			return 1
		}
		result, err = cliRetrieve(payload, engine)
	case "stats":
		result = cliStats(vecs)
	case "index_info":
		result = cliIndexInfo(vecs, cfg, logWriter)
	default:
		fmt.Fprintf(stderr, "unknown -cmd %q: expected ingest_message, ingest_document, retrieve, stats, index_info, init_config, config_backups, or config_restore\n", cmd)
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, verrors.FormatForCLI(err))
		return 1
	}

	line, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, string(line))

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(stderr, "ok")
	}

	return 0
}

// runConfigCommand dispatches the config maintenance operations. Only
// config_restore takes a payload.
func runConfigCommand(cmd, inputPath string, stdin io.Reader) (any, error) {
	switch cmd {
	case "init_config":
		return cliInitConfig()
	case "config_backups":
		return cliConfigBackups()
	default:
		payload, err := readInput(inputPath, stdin)
		if err != nil {
			return nil, err
		}
		return cliConfigRestore(payload)
	}
}

// cliInitConfig backs `-cmd init_config`: writing defaults to
// GetUserConfigPath() the first time, and backing up any existing file
// before overwriting it on a later run, so a re-run never silently loses a
// user's customized settings.
func cliInitConfig() (any, error) {
	existed := config.UserConfigExists()

	var backupPath string
	if existed {
		bp, err := config.BackupUserConfig()
		if err != nil {
			return nil, verrors.IOError("backing up existing config", err)
		}
		backupPath = bp
	}

	cfg := config.NewConfig()
	if err := cfg.WriteYAML(config.GetUserConfigPath()); err != nil {
		return nil, verrors.IOError("writing config file", err)
	}

	result := map[string]any{
		"status":      "config_initialized",
		"config_path": config.GetUserConfigPath(),
		"upgraded":    existed,
	}
	if backupPath != "" {
		result["backup_path"] = backupPath
	}
	return result, nil
}

// cliConfigBackups backs `-cmd config_backups`: list the saved copies of the
// user config file, newest first, so an operator can pick a restore point
// without decoding the filename stamps by hand.
func cliConfigBackups() (any, error) {
	backups, err := config.ListUserConfigBackups()
	if err != nil {
		return nil, verrors.IOError("listing config backups", err)
	}
	if backups == nil {
		backups = []config.Backup{}
	}
	return map[string]any{
		"config_path": config.GetUserConfigPath(),
		"backups":     backups,
	}, nil
}

type cliConfigRestoreRequest struct {
	BackupPath string `json:"backup_path"`
}

// cliConfigRestore backs `-cmd config_restore`: replace the user config file
// with a backup listed by `-cmd config_backups`. An empty backup_path means
// the newest backup.
func cliConfigRestore(payload []byte) (any, error) {
	var req cliConfigRestoreRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, verrors.ValidationError("invalid config_restore payload", err)
		}
	}

	if req.BackupPath == "" {
		backups, err := config.ListUserConfigBackups()
		if err != nil {
			return nil, verrors.IOError("listing config backups", err)
		}
		if len(backups) == 0 {
			return nil, verrors.ValidationError("no config backups exist and no backup_path was given", nil)
		}
		req.BackupPath = backups[0].Path
	}

	if err := config.RestoreUserConfig(req.BackupPath); err != nil {
		return nil, verrors.IOError("restoring config", err)
	}

	return map[string]any{
		"status":      "config_restored",
		"config_path": config.GetUserConfigPath(),
		"backup_path": req.BackupPath,
	}, nil
}

func readInput(inputPath string, stdin io.Reader) ([]byte, error) {
	if inputPath != "" {
		data, err := os.ReadFile(inputPath)
		if err != nil {
			return nil, verrors.IOError("reading -input file", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, verrors.IOError("reading stdin", err)
	}
	return data, nil
}

type cliIngestDocumentRequest struct {
	Namespace string `json:"namespace"`
	Document  struct {
		ID        string         `json:"id"`
		Source    string         `json:"source"`
		Timestamp string         `json:"timestamp"`
		Metadata  map[string]any `json:"metadata"`
	} `json:"document"`
	Chunks []struct {
		Vector     []float32 `json:"vector"`
		Content    string    `json:"content"`
		StartLine  *int      `json:"start_line"`
		EndLine    *int      `json:"end_line"`
		TokenCount int       `json:"token_count"`
	} `json:"chunks"`
}

func cliIngestDocument(payload []byte, vecs *vectorstore.Store, meta *metadata.Store, index *annindex.Graph) (any, error) {
	var req cliIngestDocumentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, verrors.ValidationError("invalid ingest_document payload", err)
	}

	ts := time.Now().UTC()
	if req.Document.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Document.Timestamp)
		if err != nil {
			return nil, verrors.ValidationError("document.timestamp must be RFC3339", err)
		}
		ts = parsed
	}
	docMeta := req.Document.Metadata
	if docMeta == nil {
		docMeta = map[string]any{}
	}
	if req.Namespace != "" {
		if _, present := docMeta["namespace"]; !present {
			docMeta["namespace"] = req.Namespace
		}
	}

	doc := &metadata.Document{ID: req.Document.ID, Source: req.Document.Source, Timestamp: ts, Metadata: docMeta}
	if err := meta.SaveDocument(doc); err != nil {
		return nil, err
	}

	chunks := make([]ingest.ChunkInput, len(req.Chunks))
	for i, c := range req.Chunks {
		chunks[i] = ingest.ChunkInput{Vector: c.Vector, Content: c.Content, StartLine: c.StartLine, EndLine: c.EndLine, TokenCount: c.TokenCount}
	}

	outcomes, err := ingest.WriteChunks(vecs, meta, index, doc.ID, chunks)
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, len(outcomes))
	for i, o := range outcomes {
		ids[i] = o.ID
	}

	return map[string]any{
		"status":       "ingested",
		"doc_id":       doc.ID,
		"chunk_ids":    ids,
		"vector_count": vecs.Count(),
	}, nil
}

type cliIngestMessageRequest struct {
	Namespace      string    `json:"namespace"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Vector         []float32 `json:"vector"`
	TokenCount     int       `json:"token_count"`
	MessageID      string    `json:"message_id"`
	TimestampUTC   string    `json:"timestamp_utc"`
	Source         string    `json:"source"`
}

func cliIngestMessage(payload []byte, vecs *vectorstore.Store, meta *metadata.Store, index *annindex.Graph) (any, error) {
	var req cliIngestMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, verrors.ValidationError("invalid ingest_message payload", err)
	}
	if req.Namespace == "" || req.ConversationID == "" || req.Role == "" || req.Content == "" || len(req.Vector) == 0 {
		return nil, verrors.ValidationError("namespace, conversation_id, role, content, and vector are all required", nil)
	}

	if req.MessageID == "" {
		req.MessageID = fmt.Sprintf("%d", time.Now().UTC().UnixNano())
	}
	if req.Source == "" {
		req.Source = "chat"
	}

	ts := time.Now().UTC()
	if req.TimestampUTC != "" {
		parsed, err := time.Parse(time.RFC3339, req.TimestampUTC)
		if err != nil {
			return nil, verrors.ValidationError("timestamp_utc must be RFC3339", err)
		}
		ts = parsed
	}

	docID := fmt.Sprintf("chat:%s:%s", req.ConversationID, req.MessageID)
	doc := &metadata.Document{
		ID:        docID,
		Source:    req.Source,
		Timestamp: ts,
		Metadata: map[string]any{
			"namespace":       req.Namespace,
			"conversation_id": req.ConversationID,
			"message_id":      req.MessageID,
			"role":            req.Role,
			"type":            "chat_message",
		},
	}
	if err := meta.SaveDocument(doc); err != nil {
		return nil, err
	}

	outcomes, err := ingest.WriteChunks(vecs, meta, index, docID, []ingest.ChunkInput{{
		Vector: req.Vector, Content: req.Content, TokenCount: req.TokenCount,
	}})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"status":          "ingested_message",
		"doc_id":          docID,
		"chunk_id":        outcomes[0].ID,
		"vector_count":    vecs.Count(),
		"message_id":      req.MessageID,
		"conversation_id": req.ConversationID,
		"namespace":       req.Namespace,
	}, nil
}

type cliRetrieveRequest struct {
	Namespace string    `json:"namespace"`
	Query     []float32 `json:"query"`
	MaxTokens int       `json:"max_tokens"`
}

func cliRetrieve(payload []byte, engine *retrieval.Engine) (any, error) {
	var req cliRetrieveRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, verrors.ValidationError("invalid retrieve payload", err)
	}
	if len(req.Query) == 0 {
		return nil, verrors.New(verrors.ErrCodeQueryEmpty, "query vector is required", nil)
	}

	result, err := engine.Retrieve(context.Background(), req.Query, req.Namespace, req.MaxTokens)
	if err != nil {
		return nil, err
	}

	chunks := make([]map[string]any, len(result.Chunks))
	for i, sc := range result.Chunks {
		chunks[i] = map[string]any{
			"chunk": map[string]any{
				"id":          sc.Chunk.ID,
				"doc_id":      sc.Chunk.DocID,
				"content":     sc.Chunk.Content,
				"start_line":  sc.Chunk.StartLine,
				"end_line":    sc.Chunk.EndLine,
				"token_count": sc.Chunk.TokenCount,
			},
			"similarity": sc.Similarity,
			"recency":    sc.Recency,
		}
	}

	return map[string]any{
		"chunks":       chunks,
		"total_tokens": result.TotalTokens,
		"truncated":    result.Truncated,
	}, nil
}

// cliStats backs `-cmd stats`, the CLI mirror of GET /stats.
func cliStats(vecs *vectorstore.Store) any {
	return map[string]any{
		"vec_count": vecs.Count(),
	}
}

// cliIndexInfo backs `-cmd index_info`: dimension, vector count, the data
// directory's on-disk layout, and the active log segment's path and size so
// an operator can tell whether it is near rotation without shelling in.
func cliIndexInfo(vecs *vectorstore.Store, cfg *config.Config, logWriter *logging.RotatingWriter) any {
	info := map[string]any{
		"dimension":     vecs.Dimension(),
		"vec_count":     vecs.Count(),
		"data_dir":      cfg.DataDir,
		"vectors_file":  cfg.DataDir + "/vectors.bin",
		"metadata_file": cfg.DataDir + "/metadata.db",
		"data_format":   version.DataFormatVersion,
		"build_version": version.Short(),
	}
	if logWriter != nil {
		info["log_file"] = logWriter.Path()
		info["log_size_bytes"] = logWriter.Size()
	}
	return info
}
