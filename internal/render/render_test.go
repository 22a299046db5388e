package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scadview/internal/render/rendertest"
)

func TestMain(m *testing.M) {
	rendertest.RunIfHelper()
	os.Exit(m.Run())
}

func writeScad(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newFakeGateway(t *testing.T, delay time.Duration) (*Gateway, string) {
	t.Helper()
	tmp := t.TempDir()
	g := NewGateway(Options{
		Command: rendertest.Command(),
		Env:     rendertest.Env(delay),
		TempDir: tmp,
	})
	return g, tmp
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "render output files left behind")
}

func TestRenderSuccess(t *testing.T) {
	g, tmp := newFakeGateway(t, 0)
	src := writeScad(t, t.TempDir(), "cube.scad", "cube(10);\n")

	data, err := g.Render(context.Background(), Request{
		Path:   src,
		Args:   []string{"width=10", `label="a b"`},
		Format: FormatSTL,
	})
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, "format=stl\n")
	assert.Contains(t, out, "width=10\n")
	assert.Contains(t, out, `label="a b"`)

	// definitions come after the output flags and before the source path
	argv := out[strings.Index(out, "argv="):]
	assert.Less(t, strings.Index(argv, "-q"), strings.Index(argv, "--D width=10"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(argv), src))

	assertNoTempFiles(t, tmp)
	assert.False(t, g.Running(src))
}

func TestRenderSupersedesPrevious(t *testing.T) {
	g, tmp := newFakeGateway(t, 300*time.Millisecond)
	src := writeScad(t, t.TempDir(), "cube.scad", "cube(10);\n")

	started := make(chan Request, 3)
	g.onStart = func(r Request) { started <- r }

	type result struct {
		data []byte
		err  error
	}
	results := make([]result, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := g.Render(context.Background(), Request{
				Path:   src,
				Args:   []string{"n=" + string(rune('0'+i))},
				Format: FormatSTL,
			})
			results[i] = result{data, err}
		}(i)
		<-started
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, results[i].err, ErrCancelled, "request %d", i)
		assert.Nil(t, results[i].data)
	}
	require.NoError(t, results[2].err)
	assert.Contains(t, string(results[2].data), "n=2\n")
	assertNoTempFiles(t, tmp)
}

func TestRenderIndependentPerPath(t *testing.T) {
	g, _ := newFakeGateway(t, 200*time.Millisecond)
	dir := t.TempDir()
	a := writeScad(t, dir, "a.scad", "cube(1);\n")
	b := writeScad(t, dir, "b.scad", "cube(2);\n")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, p := range []string{a, b} {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			_, errs[i] = g.Render(context.Background(), Request{Path: p, Format: Format3MF})
		}(i, p)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestRenderSeparateKeyDoesNotCancel(t *testing.T) {
	g, _ := newFakeGateway(t, 200*time.Millisecond)
	src := writeScad(t, t.TempDir(), "cube.scad", "cube(10);\n")

	started := make(chan Request, 2)
	g.onStart = func(r Request) { started <- r }

	var wg sync.WaitGroup
	var previewErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, previewErr = g.Render(context.Background(), Request{Path: src, Format: Format3MF})
	}()
	<-started

	_, exportErr := g.Render(context.Background(), Request{Path: src, Format: FormatSTL, Key: src + "#export"})
	wg.Wait()

	assert.NoError(t, exportErr)
	assert.NoError(t, previewErr)
}

func TestRenderProcessFailure(t *testing.T) {
	g, tmp := newFakeGateway(t, 0)
	src := writeScad(t, t.TempDir(), "broken.scad", "cube(10) "+rendertest.FailMarker+"\n")

	_, err := g.Render(context.Background(), Request{Path: src, Format: FormatSTL})

	var perr *ProcessError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, 1, perr.Code)
	assert.Contains(t, perr.Diagnostic(), "Parser error")
	assert.Equal(t, CategoryProcess, Classify(err))
	assertNoTempFiles(t, tmp)
}

func TestRenderSpawnFailure(t *testing.T) {
	tmp := t.TempDir()
	g := NewGateway(Options{
		Command: []string{filepath.Join(tmp, "no-such-openscad")},
		TempDir: tmp,
	})
	src := writeScad(t, t.TempDir(), "cube.scad", "cube(10);\n")

	_, err := g.Render(context.Background(), Request{Path: src, Format: FormatSTL})

	var serr *SpawnError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, CategorySpawn, Classify(err))
	assert.False(t, g.Running(src))
	assertNoTempFiles(t, tmp)
}

func TestRenderContextCancelled(t *testing.T) {
	g, tmp := newFakeGateway(t, 5*time.Second)
	src := writeScad(t, t.TempDir(), "cube.scad", "cube(10);\n")

	ctx, cancel := context.WithCancel(context.Background())
	g.onStart = func(Request) {
		time.AfterFunc(100*time.Millisecond, cancel)
	}

	start := time.Now()
	_, err := g.Render(ctx, Request{Path: src, Format: FormatSTL})

	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, CategoryCancelled, Classify(err))
	assert.Less(t, time.Since(start), 4*time.Second)
	assertNoTempFiles(t, tmp)
}

func TestRenderRejectsUnknownFormat(t *testing.T) {
	g, _ := newFakeGateway(t, 0)
	_, err := g.Render(context.Background(), Request{Path: "x.scad", Format: "obj"})
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(".STL")
	require.NoError(t, err)
	assert.Equal(t, FormatSTL, f)

	_, err = ParseFormat("gltf")
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	argv, err := ParseCommand(`flatpak run "org.openscad.OpenSCAD"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"flatpak", "run", "org.openscad.OpenSCAD"}, argv)

	argv, err = ParseCommand("  ")
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultCommand}, argv)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{max: 4}
	b.Write([]byte("abc"))
	b.Write([]byte("defg"))
	assert.Equal(t, "defg", b.String())
}
