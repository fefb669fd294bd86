package ui

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stefando/chunkedUpload/internal/progress"
	"github.com/stefando/chunkedUpload/internal/transport"
	"github.com/stefando/chunkedUpload/internal/upload"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTerminalPrintsOneLinePerEvent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	term := NewTerminal(&buf)

	term.Notify(upload.State{Phase: upload.PhaseInitiating}, progress.Initiating())
	term.Notify(upload.State{Phase: upload.PhaseUploadingPart, Part: 2, Total: 4}, progress.Uploaded(2, 4))
	term.Notify(upload.State{Phase: upload.PhaseSucceeded}, progress.Succeeded())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "↑ [------------------------------]   0% Initiating upload...", lines[0])
	assert.Equal(t, "↑ [###############---------------]  50% Uploaded: 50%", lines[1])
	assert.Equal(t, "✔ [##############################] 100% Upload Complete!", lines[2])
	assert.NotContains(t, buf.String(), "\033[")

	st, ev := term.Last()
	assert.Equal(t, upload.PhaseSucceeded, st.Phase)
	assert.Equal(t, progress.Succeeded(), ev)
}

func TestTerminalShowsFailure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	term := NewTerminal(&buf)
	term.Notify(upload.State{Phase: upload.PhaseAborted}, progress.Failed(50, errors.New("failed to upload part 2: 500 Internal Server Error")))

	assert.Equal(t, "✖ [###############---------------]  50% Error: failed to upload part 2: 500 Internal Server Error\n", buf.String())
}

func TestGuardWarnsThenCancels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := NewGuard(NewTerminal(&buf), func() bool { return true }, cancel)

	assert.False(t, g.Handle(os.Interrupt))
	assert.Contains(t, buf.String(), LeaveWarning)
	assert.NoError(t, ctx.Err())

	assert.True(t, g.Handle(os.Interrupt))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestGuardCancelsImmediatelyWhenIdle(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := NewGuard(NewTerminal(&buf), func() bool { return false }, cancel)
	assert.True(t, g.Handle(os.Interrupt))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Empty(t, buf.String())
}

func TestGuardInstallStops(t *testing.T) {
	t.Parallel()

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := NewGuard(NewTerminal(&bytes.Buffer{}), func() bool { return true }, cancel).Install()
	stop()
	stop()
}

func TestWriteFileKey(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteFileKey(&buf, "", "uploads/a.mp4"))
	assert.Equal(t, "uploads/a.mp4\n", buf.String())

	path := filepath.Join(t.TempDir(), "form", "video_file")
	buf.Reset()
	require.NoError(t, WriteFileKey(&buf, path, "uploads/b.mp4"))
	assert.Empty(t, buf.String())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "uploads/b.mp4\n", string(data))
}

func TestSummaryPrintsPreview(t *testing.T) {
	t.Parallel()

	tests := []struct {
		contentType string
		preview     string
	}{
		{contentType: "image/png", preview: "Image uploaded."},
		{contentType: "video/mp4", preview: "Video uploaded. Ready to save."},
		{contentType: "application/pdf"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.contentType, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			NewTerminal(&buf).Summary(&upload.Result{
				FileKey:     "uploads/x",
				ContentType: tc.contentType,
				Size:        2048,
				Parts:       make([]transport.PartTag, 1),
			})

			out := buf.String()
			assert.Contains(t, out, "Stored "+tc.contentType+" (2.0 KiB, 1 parts) as uploads/x")
			if tc.preview != "" {
				assert.Contains(t, out, tc.preview)
			} else {
				assert.Equal(t, 1, strings.Count(out, "\n"))
			}
		})
	}
}

func TestGuardReleasesSignalsAfterCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := NewGuard(NewTerminal(&bytes.Buffer{}), func() bool { return true }, cancel)

	registered := make(chan chan<- os.Signal, 1)
	released := make(chan struct{}, 2)
	g.notify = func(c chan<- os.Signal, _ ...os.Signal) { registered <- c }
	g.release = func(chan<- os.Signal) { released <- struct{}{} }

	stop := g.Install()
	defer stop()

	sigs := <-registered
	sigs <- os.Interrupt
	sigs <- os.Interrupt

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("signals still routed to the guard after cancelling")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
