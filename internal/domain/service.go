package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPollInterval = 60 * time.Second

	cursorWriteTimeout = 5 * time.Second
)

// Iteration outcomes reported to Metrics.
const (
	OutcomePublished     = "published"
	OutcomeDuplicate     = "duplicate"
	OutcomeEmpty         = "empty"
	OutcomePublishFailed = "publish_failed"
	OutcomeError         = "error"
)

// Pipeline stages reported to Metrics.
const (
	StageResolve  = "resolve"
	StageMetadata = "metadata"
	StageMedia    = "media"
	StageUpload   = "upload"
	StagePublish  = "publish"
)

// Deps are the collaborators of a MirrorService. They are constructed once
// at startup and owned by the caller.
type Deps struct {
	Source      Source
	Destination Destination
	Resolver    LinkResolver
	Extractor   MetadataExtractor
	Fetcher     MediaFetcher
	Cursors     CursorRepository

	// Events and Metrics are optional.
	Events  EventPublisher
	Metrics Metrics

	Logger *slog.Logger
}

// Options configure a MirrorService.
type Options struct {
	// Account is the monitored handle, used for logs and events.
	Account string

	// AccountID is the source identifier ResolveAccount returned for Account.
	AccountID string

	// SourceName names the source kind ("x", "rss", ...) in the status.
	SourceName string

	// Interval is the fixed sleep between iterations.
	Interval time.Duration
}

// Status is a point-in-time view of the mirror loop.
type Status struct {
	Account        string    `json:"account"`
	Source         string    `json:"source,omitempty"`
	LastMirroredID string    `json:"lastMirroredID,omitempty"`
	LastIteration  time.Time `json:"lastIteration,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	Iterations     int64     `json:"iterations"`
	Published      int64     `json:"published"`
}

// MirrorService polls the source for its newest post and republishes each
// new one on the destination. A single goroutine drives it; no two
// iterations run concurrently.
type MirrorService struct {
	source      Source
	destination Destination
	resolver    LinkResolver
	extractor   MetadataExtractor
	fetcher     MediaFetcher
	cursors     CursorRepository
	events      EventPublisher
	metrics     Metrics
	logger      *slog.Logger
	tracer      trace.Tracer

	account    string
	accountID  string
	sourceName string
	interval   time.Duration

	state DedupState

	statusMu      sync.Mutex
	lastIteration time.Time
	lastError     string
	iterations    int64
	published     int64
}

// NewMirrorService validates the collaborators and returns a service ready
// to Restore and Run.
func NewMirrorService(deps Deps, opts Options) (*MirrorService, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("source is required")
	case deps.Destination == nil:
		return nil, errors.New("destination is required")
	case deps.Resolver == nil:
		return nil, errors.New("link resolver is required")
	case deps.Extractor == nil:
		return nil, errors.New("metadata extractor is required")
	case deps.Fetcher == nil:
		return nil, errors.New("media fetcher is required")
	case deps.Cursors == nil:
		return nil, errors.New("cursor repository is required")
	case opts.AccountID == "":
		return nil, errors.New("account id is required")
	}

	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if deps.Events == nil {
		deps.Events = nopEvents{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &MirrorService{
		source:      deps.Source,
		destination: deps.Destination,
		resolver:    deps.Resolver,
		extractor:   deps.Extractor,
		fetcher:     deps.Fetcher,
		cursors:     deps.Cursors,
		events:      deps.Events,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		tracer:      otel.Tracer("github.com/blackmichael/feed-mirror/internal/domain"),
		account:     opts.Account,
		accountID:   opts.AccountID,
		sourceName:  opts.SourceName,
		interval:    opts.Interval,
	}, nil
}

// Restore loads the persisted cursor into the in-memory dedup state. It is
// called once, before Run.
func (s *MirrorService) Restore(ctx context.Context) error {
	id, ok, err := s.cursors.GetCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		s.logger.Info("no saved cursor, starting fresh")
		return nil
	}
	s.state.Advance(id)
	s.logger.Info("restored cursor", "last_mirrored_id", id)
	return nil
}

// LastMirroredID returns the dedup cursor.
func (s *MirrorService) LastMirroredID() (string, bool) {
	return s.state.Last()
}

// Run executes iterations at the configured interval until ctx is
// cancelled. Iteration failures are logged and never stop the loop.
func (s *MirrorService) Run(ctx context.Context) error {
	s.logger.Info("mirror loop started", "account", s.account, "interval", s.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("mirror loop stopped", "reason", context.Cause(ctx))
			return nil
		case <-timer.C:
		}

		if err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("iteration aborted by shutdown", "error", err)
			} else {
				s.logger.Error("iteration failed", "error", err)
			}
		}

		timer.Reset(s.interval)
	}
}

// RunOnce performs a single poll-and-mirror pass. Panics raised by a
// collaborator are recovered and returned as errors.
func (s *MirrorService) RunOnce(ctx context.Context) (err error) {
	start := time.Now()
	logger := s.logger.With("iteration", uuid.NewString())

	ctx, span := s.tracer.Start(ctx, "mirror.iteration",
		trace.WithAttributes(attribute.String("account", s.account)))

	outcome := OutcomeError
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panicked: %v", r)
			outcome = OutcomeError
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()

		s.metrics.IterationDone(outcome, time.Since(start))
		s.recordIteration(outcome, err)
	}()

	outcome, err = s.mirrorLatest(ctx, logger)
	return err
}

// Status returns a snapshot for the status endpoint.
func (s *MirrorService) Status() Status {
	last, _ := s.state.Last()

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return Status{
		Account:        s.account,
		Source:         s.sourceName,
		LastMirroredID: last,
		LastIteration:  s.lastIteration,
		LastError:      s.lastError,
		Iterations:     s.iterations,
		Published:      s.published,
	}
}

func (s *MirrorService) recordIteration(outcome string, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.iterations++
	s.lastIteration = time.Now().UTC()
	if outcome == OutcomePublished {
		s.published++
	}
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
}

func (s *MirrorService) mirrorLatest(ctx context.Context, logger *slog.Logger) (string, error) {
	post, err := s.source.LatestPost(ctx, s.accountID)
	if err != nil {
		return OutcomeError, fmt.Errorf("fetch latest post: %w", err)
	}
	if post == nil {
		logger.Info("no posts found", "account", s.account)
		return OutcomeEmpty, nil
	}

	if s.state.Seen(post.ID) {
		logger.Debug("no new posts, duplicate detected", "post_id", post.ID)
		return OutcomeDuplicate, nil
	}

	logger.Info("new post detected",
		"post_id", post.ID,
		"links", len(post.Links),
		"text_preview", truncate(post.Text, 100),
	)

	embed := s.buildEmbed(ctx, logger, post)
	text := StripShortLinks(post.Text, post.Links)

	if err := ctx.Err(); err != nil {
		return OutcomeError, fmt.Errorf("post %s not published: %w", post.ID, err)
	}

	pubCtx, done := s.stage(ctx, StagePublish)
	ref, err := s.destination.Publish(pubCtx, text, embed)
	done(err == nil)
	if err != nil {
		return OutcomePublishFailed, fmt.Errorf("publish post %s: %w", post.ID, err)
	}

	s.state.Advance(post.ID)
	logger.Info("post mirrored",
		"post_id", post.ID,
		"uri", ref.URI,
		"with_embed", embed != nil,
	)

	// The post is already out; neither a shutdown nor a slow store may stop
	// the cursor from being written.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cursorWriteTimeout)
	defer cancel()

	if err := s.cursors.UpdateCursor(writeCtx, post.ID); err != nil {
		logger.Error("failed to persist cursor", "post_id", post.ID, "error", err)
	}

	ev := MirroredEvent{
		Account:        s.account,
		SourcePostID:   post.ID,
		DestinationURI: ref.URI,
		DestinationCID: ref.CID,
		HasEmbed:       embed != nil,
		MirroredAt:     time.Now().UTC(),
	}
	if err := s.events.PublishMirrored(writeCtx, ev); err != nil {
		logger.Warn("failed to publish mirrored event", "post_id", post.ID, "error", err)
	}

	return OutcomePublished, nil
}

// buildEmbed runs the link-preview sub-pipeline for the first link of the
// post. Every stage degrades to "no embed".
func (s *MirrorService) buildEmbed(ctx context.Context, logger *slog.Logger, post *Post) *Embed {
	link, ok := post.FirstLink()
	if !ok {
		return nil
	}

	resolveCtx, done := s.stage(ctx, StageResolve)
	uri := s.resolver.Resolve(resolveCtx, link)
	done(uri != "")
	if uri == "" {
		return nil
	}
	logger.Debug("link resolved", "short_url", link.ShortURL, "uri", uri)

	metaCtx, done := s.stage(ctx, StageMetadata)
	meta := s.extractor.Extract(metaCtx, uri)
	done(meta != nil)
	if meta == nil {
		logger.Info("no link metadata, posting without embed", "uri", uri)
		return nil
	}
	if meta.ThumbnailURL == "" {
		logger.Info("page has no thumbnail, posting without embed", "uri", uri)
		return nil
	}

	thumb := s.uploadThumbnail(ctx, logger, meta.ThumbnailURL)
	return BuildEmbed(meta, thumb, uri)
}

// uploadThumbnail fetches the image into memory and hands it straight to the
// destination. The buffer does not outlive this call.
func (s *MirrorService) uploadThumbnail(ctx context.Context, logger *slog.Logger, thumbURL string) BlobHandle {
	mediaCtx, done := s.stage(ctx, StageMedia)
	img := s.fetcher.Fetch(mediaCtx, thumbURL)
	done(img != nil)
	if img == nil {
		logger.Info("thumbnail unavailable, posting without embed", "thumbnail_url", thumbURL)
		return nil
	}

	uploadCtx, done := s.stage(ctx, StageUpload)
	handle, err := s.destination.UploadBlob(uploadCtx, img)
	done(err == nil)
	if err != nil {
		logger.Warn("thumbnail upload failed, posting without embed",
			"thumbnail_url", thumbURL,
			"bytes", img.Size(),
			"error", err,
		)
		return nil
	}
	return handle
}

// stage opens a span for a pipeline stage and returns the function that
// closes it and reports the stage to Metrics.
func (s *MirrorService) stage(ctx context.Context, name string) (context.Context, func(ok bool)) {
	ctx, span := s.tracer.Start(ctx, "mirror."+name)
	start := time.Now()
	return ctx, func(ok bool) {
		span.SetAttributes(attribute.Bool("ok", ok))
		span.End()
		s.metrics.StageDone(name, ok, time.Since(start))
	}
}

// truncate returns the first n bytes of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
