package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/facesync/internal/match"
	"github.com/nickcecere/facesync/internal/objectstore"
	"github.com/nickcecere/facesync/internal/syncer"
)

const (
	// MCPVersion is the protocol version we support.
	MCPVersion = "2024-11-05"

	// ServerName is the name of this MCP server.
	ServerName = "facesync"
)

// Syncer runs synchronization passes. *syncer.Syncer implements it.
type Syncer interface {
	Run(ctx context.Context, req syncer.Request) (*syncer.Response, error)
	RunUntilConverged(ctx context.Context, req syncer.Request, maxRuns int) (*syncer.Response, error)
	Plan(ctx context.Context, req syncer.Request) (*syncer.Plan, error)
}

// Matcher answers image queries. *match.Finder implements it.
type Matcher interface {
	Find(ctx context.Context, image []byte, topK int) ([]match.Match, error)
}

// Options configures a Server.
type Options struct {
	// Base is the request tool arguments are layered on.
	Base    syncer.Request
	MaxRuns int
	TopK    int
	Version string

	// Matcher is optional; without it the match tool is not offered.
	Matcher Matcher

	// Reader and Writer default to stdin and stdout.
	Reader io.Reader
	Writer io.Writer
}

// Server is the MCP server for facesync.
type Server struct {
	syncer  Syncer
	loader  match.Loader
	matcher Matcher
	opts    Options

	reader *bufio.Reader
	writer io.Writer

	// runMu serializes sync runs started by tool calls.
	runMu sync.Mutex

	initialized bool
}

// NewServer creates a new MCP server.
func NewServer(s Syncer, loader match.Loader, opts Options) *Server {
	if opts.Reader == nil {
		opts.Reader = os.Stdin
	}
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		syncer:  s,
		loader:  loader,
		matcher: opts.Matcher,
		opts:    opts,
		reader:  bufio.NewReader(opts.Reader),
		writer:  opts.Writer,
	}
}

// Run processes requests until EOF or until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	log.Info("MCP server starting")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				log.Info("MCP server received EOF, shutting down")
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.sendError(nil, ErrorCodeParse, "Parse error", err.Error())
			continue
		}

		s.handleRequest(ctx, req)
	}
}

func (s *Server) handleRequest(ctx context.Context, req Request) {
	log.Debug("Received request", "method", req.Method, "id", req.ID)

	var result any
	var err error

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(req.Params)
	case "notifications/initialized", "initialized":
		s.initialized = true
		log.Info("MCP server initialized")
		return
	case "tools/list":
		result = s.handleListTools()
	case "tools/call":
		result, err = s.handleCallTool(ctx, req.Params)
		if err != nil {
			s.sendError(req.ID, ErrorCodeInvalidParams, "Invalid params", err.Error())
			return
		}
	case "ping":
		result = map[string]any{}
	default:
		if req.ID == nil {
			// Unknown notifications are ignored.
			return
		}
		s.sendError(req.ID, ErrorCodeMethodNotFound, "Method not found", req.Method)
		return
	}

	if err != nil {
		s.sendError(req.ID, ErrorCodeInternal, "Internal error", err.Error())
		return
	}
	s.sendResult(req.ID, result)
}

func (s *Server) handleInitialize(params json.RawMessage) (*InitializeResult, error) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	log.Info("Initializing MCP server",
		"clientName", p.ClientInfo.Name,
		"clientVersion", p.ClientInfo.Version,
		"protocolVersion", p.ProtocolVersion,
	)

	return &InitializeResult{
		ProtocolVersion: MCPVersion,
		Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
		ServerInfo:      ServerInfo{Name: ServerName, Version: s.opts.Version},
	}, nil
}

var storeProperties = map[string]Property{
	"output_bucket": {Type: "string", Description: "Bucket of the embedding store (default from config)"},
	"output_key":    {Type: "string", Description: "Key of the embedding store (default from config)"},
}

func (s *Server) handleListTools() *ListToolsResult {
	sourceProps := map[string]Property{
		"input_bucket":  {Type: "string", Description: "Bucket holding the face images (default from config)"},
		"input_prefix":  {Type: "string", Description: "Key prefix of the face images"},
		"endpoint_name": {Type: "string", Description: "Inference endpoint name"},
	}
	for k, v := range storeProperties {
		sourceProps[k] = v
	}

	syncProps := map[string]Property{
		"thing_name":      {Type: "string", Description: "IoT thing whose shadow receives the new revision"},
		"until_converged": {Type: "boolean", Description: "Repeat runs while discovery is truncated", Default: false},
	}
	for k, v := range sourceProps {
		syncProps[k] = v
	}

	tools := []Tool{
		{
			Name:        "facesync_sync",
			Description: "Ingest new face images into the embedding store. Returns the run summary as JSON.",
			InputSchema: JSONSchema{Type: "object", Properties: syncProps},
		},
		{
			Name:        "facesync_plan",
			Description: "List the images the next sync would ingest, without embedding or writing.",
			InputSchema: JSONSchema{Type: "object", Properties: sourceProps},
		},
		{
			Name:        "facesync_status",
			Description: "Summarize the embedding store: record counts, revision and images per person.",
			InputSchema: JSONSchema{Type: "object", Properties: storeProperties},
		},
	}
	if s.matcher != nil {
		tools = append(tools, Tool{
			Name:        "facesync_match",
			Description: "Find the people whose stored faces are closest to an image file.",
			InputSchema: JSONSchema{
				Type: "object",
				Properties: map[string]Property{
					"path":  {Type: "string", Description: "Path of the image file"},
					"top_k": {Type: "number", Description: "Number of matches", Default: s.opts.TopK},
				},
				Required: []string{"path"},
			},
		})
	}
	return &ListToolsResult{Tools: tools}
}

func (s *Server) handleCallTool(ctx context.Context, params json.RawMessage) (*CallToolResult, error) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	log.Debug("Calling tool", "name", p.Name, "arguments", p.Arguments)

	switch p.Name {
	case "facesync_sync":
		return s.toolSync(ctx, p.Arguments), nil
	case "facesync_plan":
		return s.toolPlan(ctx, p.Arguments), nil
	case "facesync_status":
		return s.toolStatus(ctx, p.Arguments), nil
	case "facesync_match":
		if s.matcher != nil {
			return s.toolMatch(ctx, p.Arguments), nil
		}
	}
	return textResult(fmt.Sprintf("Unknown tool: %s", p.Name), true), nil
}

// request layers tool arguments over the base request.
func (s *Server) request(args map[string]any) syncer.Request {
	req := s.opts.Base
	set := func(name string, dst *string) {
		if v, ok := args[name].(string); ok && v != "" {
			*dst = v
		}
	}
	set("input_bucket", &req.InputBucket)
	set("input_prefix", &req.InputPrefix)
	set("output_bucket", &req.OutputBucket)
	set("output_key", &req.OutputKey)
	set("endpoint_name", &req.EndpointName)
	set("thing_name", &req.ThingName)
	return req
}

func (s *Server) toolSync(ctx context.Context, args map[string]any) *CallToolResult {
	req := s.request(args)
	converge, _ := args["until_converged"].(bool)

	s.runMu.Lock()
	defer s.runMu.Unlock()

	var resp *syncer.Response
	var err error
	if converge {
		resp, err = s.syncer.RunUntilConverged(ctx, req, s.opts.MaxRuns)
	} else {
		resp, err = s.syncer.Run(ctx, req)
	}

	var sb strings.Builder
	if err != nil {
		fmt.Fprintf(&sb, "Error: sync failed: %v\n", err)
	}
	if resp != nil {
		data, _ := json.MarshalIndent(resp, "", "  ")
		sb.Write(data)
	}
	return textResult(sb.String(), err != nil)
}

func (s *Server) toolPlan(ctx context.Context, args map[string]any) *CallToolResult {
	plan, err := s.syncer.Plan(ctx, s.request(args))
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Store has %d records. %d new images", plan.Total, len(plan.Candidates))
	if plan.Truncated {
		sb.WriteString(" (listing truncated at the candidate cap)")
	}
	sb.WriteString(":\n")
	for _, c := range plan.Candidates {
		fmt.Fprintf(&sb, "- %s\n", c.Key)
	}
	return textResult(sb.String(), false)
}

func (s *Server) toolStatus(ctx context.Context, args map[string]any) *CallToolResult {
	req := s.request(args)
	addr := objectstore.Address{Bucket: req.OutputBucket, Key: req.OutputKey}

	snap, revision := s.loader.Load(ctx, addr)
	if revision == "" {
		return textResult(fmt.Sprintf("No store at %s yet.", addr), false)
	}

	counts := snap.Records.NameCounts()
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Store %s (revision %s)\n", addr, revision)
	fmt.Fprintf(&sb, "Records: %d, checksums: %d, dimensions: %d\n",
		snap.Records.Len(), snap.Checksums.Len(), snap.Records.Dimensions())
	if len(names) > 0 {
		fmt.Fprintf(&sb, "\nPeople (%d):\n", len(names))
		for _, name := range names {
			fmt.Fprintf(&sb, "- %s: %d\n", name, counts[name])
		}
	}
	return textResult(sb.String(), false)
}

func (s *Server) toolMatch(ctx context.Context, args map[string]any) *CallToolResult {
	path, _ := args["path"].(string)
	if path == "" {
		return textResult("Error: path is required", true)
	}

	topK := s.opts.TopK
	if k, ok := args["top_k"].(float64); ok && k > 0 {
		topK = int(k)
	} else if k, ok := args["top_k"].(string); ok {
		if parsed, err := strconv.Atoi(k); err == nil && parsed > 0 {
			topK = parsed
		}
	}

	image, err := os.ReadFile(path)
	if err != nil {
		return textResult(fmt.Sprintf("Error: failed to read image: %v", err), true)
	}

	results, err := s.matcher.Find(ctx, image, topK)
	if err != nil {
		return textResult(fmt.Sprintf("Error: match failed: %v", err), true)
	}
	if len(results) == 0 {
		return textResult("No matches found.", false)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d matches:\n\n", len(results))
	for i, m := range results {
		fmt.Fprintf(&sb, "[%d] %s - %.1f%% match (%s)\n", i+1, m.Name, m.Score*100, m.Key)
	}
	return textResult(sb.String(), false)
}

func (s *Server) sendResult(id any, result any) {
	s.send(Response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id any, code int, message, data string) {
	s.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	})
}

// send writes one JSON line to the writer.
func (s *Server) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("Failed to marshal response", "error", err)
		return
	}
	fmt.Fprintln(s.writer, string(data))
}
