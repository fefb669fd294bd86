// Package upload drives one chunked multipart upload from initiate to
// complete, or to abort on failure.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/stefando/chunkedUpload/internal/chunker"
	uperr "github.com/stefando/chunkedUpload/internal/errors"
	"github.com/stefando/chunkedUpload/internal/progress"
	"github.com/stefando/chunkedUpload/internal/transport"
)

const (
	// DefaultMaxSize is the file size ceiling (10 GiB)
	DefaultMaxSize int64 = 10 * 1024 * 1024 * 1024

	// DefaultFieldName is sent as field_name when none is configured
	DefaultFieldName = "video_file"

	// DefaultAbortTimeout bounds the cleanup call after a failure
	DefaultAbortTimeout = 30 * time.Second
)

// Transport is the protocol surface a Session drives. *transport.Client
// implements it.
type Transport interface {
	Initiate(ctx context.Context, fileName, mimeType, fieldName string) (transport.UploadTarget, error)
	SignPart(ctx context.Context, target transport.UploadTarget, partNumber int) (string, error)
	PutPart(ctx context.Context, partNumber int, presignedURL string, body io.Reader, size int64) (string, error)
	Complete(ctx context.Context, target transport.UploadTarget, parts []transport.PartTag) error
	Abort(ctx context.Context, target transport.UploadTarget) error
}

// Phase names a session state
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseInitiating    Phase = "initiating"
	PhaseUploadingPart Phase = "uploading_part"
	PhaseCompleting    Phase = "completing"
	PhaseSucceeded     Phase = "succeeded"
	PhaseFailed        Phase = "failed"
	PhaseAborting      Phase = "aborting"
	PhaseAborted       Phase = "aborted"
)

// State is a snapshot of a session. Part and Total are set while uploading.
// Reason is set once the session has failed.
type State struct {
	Phase  Phase
	Part   int
	Total  int
	Reason error
}

// Active reports whether the session is between Start and a terminal state.
// Conflicting actions (a second submit, leaving) should be blocked while true.
func (s State) Active() bool {
	switch s.Phase {
	case PhaseIdle, PhaseSucceeded, PhaseAborted:
		return false
	default:
		return true
	}
}

// Terminal reports whether the session has finished for good.
func (s State) Terminal() bool {
	return s.Phase == PhaseSucceeded || s.Phase == PhaseAborted
}

func (s State) String() string {
	if s.Phase == PhaseUploadingPart {
		return fmt.Sprintf("%s(%d/%d)", s.Phase, s.Part, s.Total)
	}
	return string(s.Phase)
}

// Observer is notified synchronously on every state transition
type Observer interface {
	Notify(State, progress.Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(State, progress.Event)

func (f ObserverFunc) Notify(s State, e progress.Event) { f(s, e) }

// Options configures a Session
type Options struct {
	ChunkSize    int64
	MaxSize      int64
	FieldName    string
	AbortTimeout time.Duration
	Logger       zerolog.Logger
}

// Result describes a completed upload
type Result struct {
	FileKey     string
	UploadID    string
	ContentType string
	Size        int64
	Parts       []transport.PartTag
}

// Session uploads exactly one file. It is not reusable.
type Session struct {
	transport Transport
	observer  Observer
	opts      Options
	logger    zerolog.Logger

	mu      sync.Mutex
	started bool
	state   State
	target  transport.UploadTarget
	percent int
}

// NewSession creates a Session. A nil observer is allowed.
func NewSession(t Transport, observer Observer, opts Options) *Session {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = chunker.DefaultChunkSize
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.FieldName == "" {
		opts.FieldName = DefaultFieldName
	}
	if opts.AbortTimeout <= 0 {
		opts.AbortTimeout = DefaultAbortTimeout
	}
	if observer == nil {
		observer = ObserverFunc(func(State, progress.Event) {})
	}

	return &Session{
		transport: t,
		observer:  observer,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "upload").Logger(),
		state:     State{Phase: PhaseIdle},
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Target returns the upload target, which is zero until initiate succeeds
func (s *Session) Target() transport.UploadTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Start runs the upload of f to completion. It blocks until the session is
// terminal. On failure the returned error is the one that failed the
// session; a failed cleanup is only logged.
func (s *Session) Start(ctx context.Context, f File) (*Result, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, uperr.Configf("session already used")
	}
	s.started = true
	s.mu.Unlock()

	log := s.logger.With().Str("file", f.Name).Int64("size", f.Size).Logger()

	parts, err := s.preflight(f)
	if err != nil {
		log.Warn().Err(err).Msg("upload rejected")
		return nil, s.fail(ctx, err)
	}
	total := len(parts)

	contentType := f.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	s.transition(State{Phase: PhaseInitiating}, progress.Initiating())
	target, err := s.transport.Initiate(ctx, f.Name, contentType, s.opts.FieldName)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()

	log = log.With().Str("upload_id", target.UploadID).Str("file_key", target.FileKey).Logger()
	log.Info().Int("parts", total).Msg("upload initiated")

	tags := make([]transport.PartTag, 0, total)
	for _, part := range parts {
		s.transition(State{Phase: PhaseUploadingPart, Part: part.Number, Total: total}, progress.Starting(part.Number, total))

		etag, err := s.uploadPart(ctx, target, part, f.Reader)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		tags = append(tags, transport.PartTag{PartNumber: part.Number, ETag: etag})

		ev := progress.Uploaded(part.Number, total)
		s.transition(State{Phase: PhaseUploadingPart, Part: part.Number, Total: total}, ev)
		log.Debug().Int("part", part.Number).Str("etag", etag).Msg("part uploaded")
	}

	s.transition(State{Phase: PhaseCompleting, Part: total, Total: total}, progress.Finalizing(s.lastPercent()))
	if err := s.transport.Complete(ctx, target, tags); err != nil {
		return nil, s.fail(ctx, err)
	}

	s.transition(State{Phase: PhaseSucceeded, Part: total, Total: total}, progress.Succeeded())
	log.Info().Msg("upload complete")

	return &Result{
		FileKey:     target.FileKey,
		UploadID:    target.UploadID,
		ContentType: contentType,
		Size:        f.Size,
		Parts:       tags,
	}, nil
}

// preflight validates f and plans its parts without touching the network
func (s *Session) preflight(f File) ([]chunker.Part, error) {
	if f.Reader == nil {
		return nil, uperr.Configf("file %q has no content reader", f.Name)
	}
	if s.opts.MaxSize > 0 && f.Size > s.opts.MaxSize {
		return nil, uperr.NewTooLarge(fmt.Sprintf("File is too large! Maximum size is %s.", humanize.IBytes(uint64(s.opts.MaxSize))))
	}

	parts, err := chunker.Plan(f.Size, s.opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	// Storage backends disagree on empty multipart completions
	if len(parts) == 0 {
		return nil, uperr.Configf("file %q is empty", f.Name)
	}
	return parts, nil
}

func (s *Session) uploadPart(ctx context.Context, target transport.UploadTarget, part chunker.Part, src io.ReaderAt) (string, error) {
	url, err := s.transport.SignPart(ctx, target, part.Number)
	if err != nil {
		return "", err
	}
	return s.transport.PutPart(ctx, part.Number, url, part.Section(src), part.Size())
}

// fail moves the session through Failed and, when a target exists, Aborting
// before settling in Aborted. It returns cause. A cancelled context skips
// the Failed notification and goes straight to Aborting; an expired
// deadline is an ordinary failure.
func (s *Session) fail(ctx context.Context, cause error) error {
	cancelled := errors.Is(ctx.Err(), context.Canceled) && errors.Is(cause, context.Canceled)
	if cancelled {
		cause = fmt.Errorf("upload cancelled: %w", ctx.Err())
	}

	percent := s.lastPercent()
	failed := State{Phase: PhaseFailed, Reason: cause}
	if cur := s.State(); cur.Phase == PhaseUploadingPart || cur.Phase == PhaseCompleting {
		failed.Part, failed.Total = cur.Part, cur.Total
	}

	if !cancelled {
		s.transition(failed, progress.Failed(percent, cause))
	}
	s.logger.Error().Err(cause).Stringer("state", failed).Msg("upload failed")

	target := s.Target()
	if target.Valid() {
		s.transition(State{Phase: PhaseAborting, Part: failed.Part, Total: failed.Total, Reason: cause}, progress.Aborting(percent))
		s.abort(ctx, target)
	}

	s.transition(State{Phase: PhaseAborted, Part: failed.Part, Total: failed.Total, Reason: cause}, progress.Failed(percent, cause))
	return cause
}

// abort is best-effort. It runs on a context detached from ctx so that a
// cancelled upload still cleans up, bounded by AbortTimeout.
func (s *Session) abort(ctx context.Context, target transport.UploadTarget) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AbortTimeout)
	defer cancel()

	if err := s.transport.Abort(abortCtx, target); err != nil {
		s.logger.Warn().
			Err(err).
			Str("upload_id", target.UploadID).
			Str("file_key", target.FileKey).
			Msg("failed to abort upload")
		return
	}
	s.logger.Info().Str("upload_id", target.UploadID).Msg("upload aborted")
}

func (s *Session) transition(next State, ev progress.Event) {
	s.mu.Lock()
	s.state = next
	s.percent = ev.Percent
	s.mu.Unlock()

	s.logger.Debug().
		Stringer("state", next).
		Str("phase", string(ev.Phase)).
		Int("percent", ev.Percent).
		Msg(ev.Message)

	s.observer.Notify(next, ev)
}

func (s *Session) lastPercent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.percent
}
