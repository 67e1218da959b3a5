package cmds

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/session"
	"github.com/go-go-golems/palaver/pkg/inference/tools"
	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/interaction/serde"
	"github.com/go-go-golems/palaver/pkg/settings"
)

func TestBuiltinTools(t *testing.T) {
	m := newToolManager()
	m.Discover(context.Background())
	require.Len(t, m.Tools(nil), 3)
	assert.Equal(t, []string{"active_model", "count_words", "current_time"}, m.SortedNames())

	call := interaction.NewToolCall("c1", "count_words", map[string]any{"text": "one two three"})
	ret := m.ExecuteTool(context.Background(), call, tools.ValidationContext{})
	require.False(t, ret.IsError(), ret.ErrorMessage)
	res, ok := ret.Interactions()[0].(interaction.ToolResult)
	require.True(t, ok)
	assert.Equal(t, "c1", res.ID)
	assert.Contains(t, interaction.Describe(res), "3")

	bad := interaction.NewToolCall("c2", "current_time", map[string]any{"timezone": "Mars/Olympus"})
	ret = m.ExecuteTool(context.Background(), bad, tools.ValidationContext{})
	assert.Equal(t, engine.ErrorKindTool, ret.ErrorKind)

	who := interaction.NewToolCall("c3", "active_model", nil)
	ret = m.ExecuteTool(context.Background(), who, tools.ValidationContext{Provider: "scripted", Model: "echo"})
	require.False(t, ret.IsError(), ret.ErrorMessage)
	res, ok = ret.Interactions()[0].(interaction.ToolResult)
	require.True(t, ok)
	assert.Equal(t, modelOutput{Provider: "scripted", Model: "echo"}, res.Result)
}

func TestPromptFrom(t *testing.T) {
	p, err := promptFrom([]string{"hello", "there"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "hello there", p)

	p, err = promptFrom(nil, strings.NewReader("  from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", p)

	_, err = promptFrom(nil, strings.NewReader(" "))
	require.Error(t, err)
}

func TestHistoryRoundTripThroughSession(t *testing.T) {
	dir := t.TempDir()
	schema := filepath.Join(dir, "schema.json")
	require.NoError(t, os.WriteFile(schema, []byte(`{"type":"object"}`), 0o600))

	s := settings.Default()
	s.SystemPrompt = "be brief"
	f := &historyFlags{out: filepath.Join(dir, "history.yaml"), jsonSchema: schema}

	body, err := f.body(s)
	require.NoError(t, err)
	require.Equal(t, 1, body.Len())
	assert.Equal(t, "object", body.JSONOutputSchema["type"])

	sess, err := newSession(s, body)
	require.NoError(t, err)
	sess.AddUserMessage("ping")
	ret := sess.RunToStableResult(context.Background(), settings.RunOptions(s).WithStrictJSONOutput(false))
	require.False(t, ret.IsError(), ret.ErrorMessage)
	require.NoError(t, f.save(sess))

	loaded, err := serde.LoadYAML(f.out)
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Len())
	assert.Equal(t, "echo: ping", loaded.Text())

	f2 := &historyFlags{in: f.out}
	body2, err := f2.body(s)
	require.NoError(t, err)
	assert.Equal(t, 3, body2.Len())
}

func TestStreamToPrintsDeltas(t *testing.T) {
	s := settings.Default()
	s.Scripted.Streaming = true
	sess, err := newSession(s, interaction.NewBody())
	require.NoError(t, err)
	sess.AddUserMessage("stream me")

	var out bytes.Buffer
	ret := streamTo(context.Background(), &out, sess, session.DefaultRunOptions(), settings.StreamingOptions(s))
	require.NotNil(t, ret)
	require.False(t, ret.IsError(), ret.ErrorMessage)
	assert.Equal(t, "echo: stream me\n", out.String())
}

func TestListToolsFiltersAndSorts(t *testing.T) {
	m := newToolManager()
	m.Discover(context.Background())

	all, err := listTools(m, &ToolsListSettings{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "active_model", all[0].Name)
	assert.Nil(t, all[0].Parameters)

	builtin, err := listTools(m, &ToolsListSettings{Category: "builtin", WithParameters: true})
	require.NoError(t, err)
	require.Len(t, builtin, 2)
	assert.Equal(t, "count_words", builtin[0].Name)
	assert.Equal(t, "object", builtin[0].Parameters["type"])

	named, err := listTools(m, &ToolsListSettings{Name: "current_*"})
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, "current_time", named[0].Name)
}

func TestGlazedCommandsBuild(t *testing.T) {
	toolsCmd := NewToolsCommand()
	list, _, err := toolsCmd.Find([]string{"list"})
	require.NoError(t, err)
	assert.NotNil(t, list.Flags().Lookup("with-parameters"))
	assert.NotNil(t, list.Flags().Lookup("name"))

	tokensCmd := NewTokensCommand()
	files, _, err := tokensCmd.Find([]string{"files"})
	require.NoError(t, err)
	assert.Equal(t, "files", files.Name())
}

func TestCountFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world\nsecond line\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o600))

	counts, err := countFiles("gpt-4o-mini", []string{dir}, nil)
	require.NoError(t, err)
	require.Len(t, counts, 2)

	byName := map[string]fileCount{}
	for _, c := range counts {
		byName[filepath.Base(c.Path)] = c
	}
	assert.Equal(t, 24, byName["a.txt"].Bytes)
	assert.Equal(t, 3, byName["a.txt"].Lines)
	assert.Greater(t, byName["a.txt"].Tokens, byName["b.txt"].Tokens)
	assert.Equal(t, 1, byName["b.txt"].Lines)
}

func TestWithPrinterDumpsRawEvents(t *testing.T) {
	s := settings.Default()
	s.Log.DebugEvents = true
	sess, err := newSession(s, interaction.NewBody())
	require.NoError(t, err)
	sess.AddUserMessage("hi")

	var out bytes.Buffer
	var ret *engine.Return
	err = withPrinter(context.Background(), &out, s, func(ctx context.Context, o events.Observer) error {
		ret = sess.RunToStableResult(events.WithObserver(ctx, o), settings.RunOptions(s))
		return nil
	})
	require.NoError(t, err)
	require.False(t, ret.IsError(), ret.ErrorMessage)
	assert.Contains(t, out.String(), "echo: hi")
}
