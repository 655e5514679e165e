package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/facesync/internal/codec"
	"github.com/nickcecere/facesync/internal/discovery"
	"github.com/nickcecere/facesync/internal/match"
	"github.com/nickcecere/facesync/internal/objectstore"
	"github.com/nickcecere/facesync/internal/syncer"
)

type fakeSyncer struct {
	reqs     []syncer.Request
	maxRuns  int
	resp     *syncer.Response
	err      error
	plan     *syncer.Plan
	converge bool
}

func (f *fakeSyncer) Run(ctx context.Context, req syncer.Request) (*syncer.Response, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func (f *fakeSyncer) RunUntilConverged(ctx context.Context, req syncer.Request, maxRuns int) (*syncer.Response, error) {
	f.converge = true
	f.maxRuns = maxRuns
	return f.Run(ctx, req)
}

func (f *fakeSyncer) Plan(ctx context.Context, req syncer.Request) (*syncer.Plan, error) {
	f.reqs = append(f.reqs, req)
	return f.plan, f.err
}

type fakeMatcher struct {
	topK    int
	results []match.Match
}

func (f *fakeMatcher) Find(ctx context.Context, image []byte, topK int) ([]match.Match, error) {
	f.topK = topK
	return f.results, nil
}

var base = syncer.Request{InputBucket: "faces", OutputBucket: "models", OutputKey: "people.fsnp"}

// serve feeds lines to a server and returns the decoded responses.
func serve(t *testing.T, s Syncer, loader match.Loader, opts Options, lines ...string) []Response {
	t.Helper()
	var out bytes.Buffer
	opts.Reader = strings.NewReader(strings.Join(lines, "\n") + "\n")
	opts.Writer = &out
	opts.Base = base

	require.NoError(t, NewServer(s, loader, opts).Run(context.Background()))

	var responses []Response
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func call(id int, name string, args map[string]any) string {
	params, _ := json.Marshal(CallToolParams{Name: name, Arguments: args})
	req, _ := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: "tools/call", Params: params})
	return string(req)
}

// toolResult re-decodes a generic result into a CallToolResult.
func toolResult(t *testing.T, resp Response) CallToolResult {
	t.Helper()
	require.Nil(t, resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var res CallToolResult
	require.NoError(t, json.Unmarshal(data, &res))
	require.Len(t, res.Content, 1)
	return res
}

func TestInitializeAndListTools(t *testing.T) {
	responses := serve(t, &fakeSyncer{}, codec.New(objectstore.NewMemoryStore()), Options{Version: "1.2.3"},
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	require.Len(t, responses, 2)

	initRes := responses[0].Result.(map[string]any)
	assert.Equal(t, MCPVersion, initRes["protocolVersion"])
	assert.Equal(t, "1.2.3", initRes["serverInfo"].(map[string]any)["version"])

	tools := responses[1].Result.(map[string]any)["tools"].([]any)
	var names []string
	for _, tool := range tools {
		names = append(names, tool.(map[string]any)["name"].(string))
	}
	assert.Equal(t, []string{"facesync_sync", "facesync_plan", "facesync_status"}, names)
}

func TestParseAndMethodErrors(t *testing.T) {
	responses := serve(t, &fakeSyncer{}, codec.New(objectstore.NewMemoryStore()), Options{},
		`not json`,
		`{"jsonrpc":"2.0","id":7,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled"}`,
	)
	require.Len(t, responses, 2)
	assert.Equal(t, ErrorCodeParse, responses[0].Error.Code)
	assert.Equal(t, ErrorCodeMethodNotFound, responses[1].Error.Code)
}

func TestToolSync(t *testing.T) {
	fs := &fakeSyncer{resp: &syncer.Response{RunID: "run-1", Added: 3, Total: 3, Persisted: true}}
	responses := serve(t, fs, codec.New(objectstore.NewMemoryStore()), Options{MaxRuns: 4},
		call(1, "facesync_sync", map[string]any{"input_prefix": "team/", "until_converged": true}),
	)
	require.Len(t, responses, 1)

	res := toolResult(t, responses[0])
	assert.False(t, res.IsError)

	var resp syncer.Response
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &resp))
	assert.Equal(t, 3, resp.Added)

	require.Len(t, fs.reqs, 1)
	assert.Equal(t, "team/", fs.reqs[0].InputPrefix)
	assert.Equal(t, "faces", fs.reqs[0].InputBucket)
	assert.True(t, fs.converge)
	assert.Equal(t, 4, fs.maxRuns)
}

func TestToolSyncFailure(t *testing.T) {
	fs := &fakeSyncer{
		resp: &syncer.Response{Added: 1, Persisted: true},
		err:  errors.New("endpoint unavailable"),
	}
	responses := serve(t, fs, codec.New(objectstore.NewMemoryStore()), Options{},
		call(1, "facesync_sync", nil),
	)
	res := toolResult(t, responses[0])
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "endpoint unavailable")
	assert.Contains(t, res.Content[0].Text, `"persisted": true`)
}

func TestToolPlan(t *testing.T) {
	fs := &fakeSyncer{plan: &syncer.Plan{
		Candidates: []discovery.Candidate{{Key: "in/alice.jpg", Checksum: "a"}},
		Truncated:  true,
		Total:      2,
	}}
	responses := serve(t, fs, codec.New(objectstore.NewMemoryStore()), Options{},
		call(1, "facesync_plan", nil),
	)
	res := toolResult(t, responses[0])
	assert.Contains(t, res.Content[0].Text, "- in/alice.jpg")
	assert.Contains(t, res.Content[0].Text, "truncated")
}

func TestToolStatus(t *testing.T) {
	c := codec.New(objectstore.NewMemoryStore())
	snap := codec.NewSnapshot()
	snap.Records.Upsert("in/alice-1.jpg", "Alice", []float32{1, 0})
	snap.Records.Upsert("in/alice-2.jpg", "Alice", []float32{0.9, 0.1})
	snap.Checksums.Add("a1")
	snap.Checksums.Add("a2")
	_, err := c.Save(context.Background(), base.Output(), snap, "")
	require.NoError(t, err)

	responses := serve(t, &fakeSyncer{}, c, Options{},
		call(1, "facesync_status", nil),
		call(2, "facesync_status", map[string]any{"output_key": "other.fsnp"}),
	)
	require.Len(t, responses, 2)

	text := toolResult(t, responses[0]).Content[0].Text
	assert.Contains(t, text, "Records: 2, checksums: 2, dimensions: 2")
	assert.Contains(t, text, "- Alice: 2")

	assert.Contains(t, toolResult(t, responses[1]).Content[0].Text, "No store at models/other.fsnp")
}

func TestToolMatch(t *testing.T) {
	image := filepath.Join(t.TempDir(), "query.jpg")
	require.NoError(t, os.WriteFile(image, []byte("jpeg"), 0644))

	m := &fakeMatcher{results: []match.Match{{Key: "in/bob.jpg", Name: "Bob", Score: 0.92}}}
	responses := serve(t, &fakeSyncer{}, codec.New(objectstore.NewMemoryStore()), Options{Matcher: m},
		call(1, "facesync_match", map[string]any{"path": image, "top_k": 2}),
		call(2, "facesync_match", map[string]any{}),
	)
	require.Len(t, responses, 2)

	res := toolResult(t, responses[0])
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "Bob - 92.0% match")
	assert.Equal(t, 2, m.topK)

	assert.True(t, toolResult(t, responses[1]).IsError)
}

func TestUnknownTool(t *testing.T) {
	// Without a matcher the match tool is unknown.
	responses := serve(t, &fakeSyncer{}, codec.New(objectstore.NewMemoryStore()), Options{},
		call(1, "facesync_match", map[string]any{"path": "x.jpg"}),
	)
	res := toolResult(t, responses[0])
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "Unknown tool")
}
