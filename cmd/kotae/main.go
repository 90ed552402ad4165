// Package main is the Kotae CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/kotae/internal/chat"
	"github.com/hyperjump/kotae/internal/cli"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/server"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/internal/watcher"
	"github.com/hyperjump/kotae/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kotae/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, config.yaml in
// the current directory wins if it exists, so "kotae server" from a project
// directory uses that project's config. It returns the path actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "delete":
		runDelete()
	case "ask":
		runAsk()
	case "status":
		runStatus()
	case "inbox":
		runInbox()
	case "version", "--version", "-v":
		fmt.Printf("kotae version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// setup loads config, builds the logger and initializes every component.
// Failures exit the process.
func setup(configPath string, debugFlag bool) (*config.Config, string, *zap.Logger, *Components) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debugFlag
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("config loaded",
		zap.String("config_path", resolved),
		zap.Bool("debug", debugMode),
	)
	components, err := initializeComponents(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return cfg, resolved, logger, components
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (inbox changes, indexing, provider calls)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, logger, components := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	inbox := watcher.New(components.Indexer, cfg.Watch, watcher.WithLogger(logger))
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if err := inbox.Start(watchCtx); err != nil {
		logger.Fatal("Failed to start inbox", zap.Error(err))
	}

	srv := server.NewServer(server.Deps{
		Storage:   components.Storage,
		Chat:      components.Chat,
		Index:     components.Indexer,
		Ledger:    components.Ledger,
		Providers: components.Gateway,
		Inbox:     inbox,
	}, cfg, resolvedConfigPath, logger)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
	watchCancel()
	inbox.Stop()
	components.SaveVectorIndex()
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	owner := fs.String("owner", "", "owning user (default: the inbox owner from config)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kotae ingest [flags] <file-or-directory>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	cfg, _, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()
	defer components.SaveVectorIndex()

	ownerID := *owner
	if ownerID == "" {
		ownerID = cfg.Watch.OwnerID
	}
	ctx := context.Background()
	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("Failed to stat path: %v\n", err)
		os.Exit(1)
	}
	if info.IsDir() {
		n, err := components.Indexer.IndexDirectory(ctx, path, ownerID, cfg.Watch.Extensions, true)
		if err != nil {
			fmt.Printf("Ingesting directory failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Ingested %d file(s) from %s\n", n, path)
		return
	}
	// Single file: no extension filter
	changed, err := components.Indexer.IndexFile(ctx, path, ownerID, nil)
	if err != nil {
		fmt.Printf("Ingesting failed: %v\n", err)
		os.Exit(1)
	}
	if !changed {
		fmt.Printf("Unchanged: %s\n", path)
		return
	}
	fmt.Printf("Document ingested: %s\n", path)
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kotae delete [flags] <document-id>")
		os.Exit(1)
	}
	docID := fs.Arg(0)

	_, _, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()
	defer components.SaveVectorIndex()

	if err := components.Indexer.DeleteDocument(context.Background(), docID); err != nil {
		fmt.Printf("Deletion failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Document deleted: %s\n", docID)
}

// argsReorder moves flags that appear after the question to the front so
// flag.Parse sees them; the flag package stops at the first positional.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// buildQuestion joins positional args so multi-word questions work with or
// without shell quoting.
func buildQuestion(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func runAsk() {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	user := fs.String("user", os.Getenv("KOTAE_USER"), "user ID (default: $KOTAE_USER)")
	threadID := fs.String("thread", "", "thread to continue (default: start a new one)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	question := buildQuestion(fs.Args())
	if question == "" || *user == "" {
		fmt.Println("Usage: kotae ask --user <id> [--thread <id>] [flags] <question>")
		os.Exit(1)
	}
	format := cli.OutputFormat(*outputFormat)
	if format != cli.OutputText && format != cli.OutputJSON {
		fmt.Printf("Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}

	api := &apiClient{base: *serverURL, user: *user}
	if *threadID == "" {
		th, err := api.newThread(question)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start thread: %v\n", err)
			os.Exit(1)
		}
		*threadID = th.ID
		if format == cli.OutputText {
			fmt.Fprintf(os.Stderr, "thread: %s\n\n", th.ID)
		}
	}

	aw := cli.NewAnswerWriter(os.Stdout, format)
	if err := api.chat(*threadID, question, aw.Write); err != nil {
		fmt.Fprintf(os.Stderr, "Ask failed: %v\n", err)
		os.Exit(1)
	}
	if aw.Err() != nil {
		os.Exit(1)
	}
}

// statusResponse is the shape of GET /api/v1/admin/index/stats.
type statusResponse struct {
	Index           *models.IndexStats `json:"index"`
	StoredDocuments int64              `json:"stored_documents"`
	StoredChunks    int64              `json:"stored_chunks"`
	DiskUsageBytes  *int64             `json:"disk_usage_bytes,omitempty"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status statusResponse
	if *serverURL != "" {
		api := &apiClient{base: *serverURL}
		if err := api.do(http.MethodGet, "/api/v1/admin/index/stats", nil, &status); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		ctx := context.Background()
		var err error
		if status.StoredDocuments, err = components.Storage.CountDocuments(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Count documents failed: %v\n", err)
			os.Exit(1)
		}
		if status.StoredChunks, err = components.Storage.CountChunks(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Count chunks failed: %v\n", err)
			os.Exit(1)
		}
		status.Index = components.Indexer.Stats()
		st := cfg.Storage
		if usage, err := storage.DiskUsage(st.DatabasePath, st.VectorIndexPath, st.KeywordIndexPath); err == nil {
			diskBytes := usage.Total()
			status.DiskUsageBytes = &diskBytes
		}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		writeStatusText(os.Stdout, &status)
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func writeStatusText(w io.Writer, status *statusResponse) {
	fmt.Fprintf(w, "documents:          %d   # stored documents\n", status.StoredDocuments)
	fmt.Fprintf(w, "chunks:             %d   # stored chunks\n", status.StoredChunks)
	if status.DiskUsageBytes != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d   # storage + indices on disk\n", *status.DiskUsageBytes)
	}
	if status.Index != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# vector index")
		fmt.Fprintf(w, "indexed_documents:  %d\n", status.Index.Documents)
		fmt.Fprintf(w, "indexed_chunks:     %d\n", status.Index.Chunks)
		fmt.Fprintf(w, "dimensions:         %d\n", status.Index.Dimensions)
		fmt.Fprintf(w, "metric:             %s\n", status.Index.Metric)
		fmt.Fprintf(w, "embedder:           %s\n", status.Index.EmbedderID)
	}
}

func runInbox() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: kotae inbox <add|remove|list> [path]")
		fmt.Println("  kotae inbox add <path>     Watch a directory for new documents")
		fmt.Println("  kotae inbox remove <path>  Stop watching a directory")
		fmt.Println("  kotae inbox list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("inbox", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(os.Args[3:])
	api := &apiClient{base: *serverURL}

	switch sub {
	case "add", "remove":
		if fs.NArg() < 1 {
			fmt.Printf("Usage: kotae inbox %s <path>\n", sub)
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		var err error
		if sub == "add" {
			err = api.do(http.MethodPost, "/api/v1/admin/inbox", map[string]string{"path": path}, nil)
		} else {
			err = api.do(http.MethodDelete, "/api/v1/admin/inbox?path="+url.QueryEscape(path), nil, nil)
		}
		if err != nil {
			fmt.Printf("Inbox %s failed: %v\n", sub, err)
			os.Exit(1)
		}
		fmt.Printf("%s: %s\n", map[string]string{"add": "Added", "remove": "Removed"}[sub], path)
	case "list":
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := api.do(http.MethodGet, "/api/v1/admin/inbox", nil, &out); err != nil {
			fmt.Printf("List failed: %v\n", err)
			os.Exit(1)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fmt.Printf("Unknown inbox subcommand: %s\n", sub)
		os.Exit(1)
	}
}

// apiClient talks to a running Kotae server.
type apiClient struct {
	base   string
	user   string
	client *http.Client
}

func (a *apiClient) httpClient() *http.Client {
	if a.client != nil {
		return a.client
	}
	return http.DefaultClient
}

func (a *apiClient) newRequest(method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(a.base, "/")+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.user != "" {
		req.Header.Set(server.UserHeader, a.user)
	}
	return req, nil
}

// do sends a JSON request and decodes a 2xx response into out when non-nil.
func (a *apiClient) do(method, path string, body, out any) error {
	req, err := a.newRequest(method, path, body)
	if err != nil {
		return err
	}
	resp, err := a.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// newThread opens a case and thread titled after the question.
func (a *apiClient) newThread(question string) (*models.Thread, error) {
	title := cli.Truncate(question, 60)
	var c models.Case
	if err := a.do(http.MethodPost, "/api/v1/cases", map[string]string{"name": title}, &c); err != nil {
		return nil, err
	}
	var th models.Thread
	if err := a.do(http.MethodPost, "/api/v1/cases/"+c.ID+"/threads", map[string]string{"title": title}, &th); err != nil {
		return nil, err
	}
	return &th, nil
}

// chat posts a message and hands every streamed event to fn.
func (a *apiClient) chat(threadID, message string, fn func(chat.StreamEvent) error) error {
	req, err := a.newRequest(http.MethodPost, "/api/v1/threads/"+threadID+"/chat", map[string]string{"message": message})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := a.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return cli.ReadEvents(resp.Body, fn)
}

func responseError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	var body struct {
		Kind         string `json:"kind"`
		Message      string `json:"message"`
		Notification *struct {
			Title   string `json:"title"`
			Message string `json:"message"`
		} `json:"notification"`
	}
	if json.Unmarshal(b, &body) == nil && body.Message != "" {
		if body.Notification != nil {
			return fmt.Errorf("%s: %s (%s)", body.Kind, body.Message, body.Notification.Message)
		}
		return fmt.Errorf("%s: %s", body.Kind, body.Message)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}

func printUsage() {
	fmt.Println(`kotae - Multi-tenant document chat with cited answers

Usage:
  kotae server [flags]              Start the HTTP server
  kotae ingest [flags] <path>       Ingest a file or directory
  kotae delete [flags] <id>         Delete a document
  kotae ask [flags] <question>      Ask a question through a running server
  kotae status [flags]              Show storage and index status
  kotae inbox <add|remove|list>     Manage inbox directories
  kotae version                     Show version
  kotae help                        Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/kotae/config.yaml)
  --debug            Enable debug logging

Ingest Flags:
  --config string    Config file path
  --owner string     Owning user (default: watch.owner_id from config)

Ask Flags:
  --server string    Server URL (default: http://localhost:8080)
  --user string      User ID (default: $KOTAE_USER)
  --thread string    Continue an existing thread
  --output string    Output format: text or json (default: text)

Status Flags:
  --config string    Config file path (for direct storage mode)
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct storage.
  --output string    Output format: text or json (default: text)

Inbox Flags:
  --server string    Server URL (default: http://localhost:8080)

Examples:
  kotae server
  kotae ingest --owner alice ./handbook.md
  kotae ask --user alice "How are quotas charged?"
  kotae ask --user alice --thread 3f2a... "And monthly?"
  kotae status --output json
  kotae inbox add /srv/kotae/inbox`)
}
