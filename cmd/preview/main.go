package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/blackmichael/feed-mirror/internal/bluesky"
	"github.com/blackmichael/feed-mirror/internal/domain"
	"github.com/blackmichael/feed-mirror/internal/httpclient"
	"github.com/blackmichael/feed-mirror/internal/linkresolve"
	"github.com/blackmichael/feed-mirror/internal/media"
	"github.com/blackmichael/feed-mirror/internal/metadata"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type preview struct {
	URI            string `json:"uri"`
	Title          string `json:"title,omitempty"`
	Description    string `json:"description,omitempty"`
	ThumbnailURL   string `json:"thumbnailURL,omitempty"`
	ThumbnailBytes int    `json:"thumbnailBytes,omitempty"`
	ThumbnailType  string `json:"thumbnailType,omitempty"`
	Embed          bool   `json:"embed"`
}

func run() error {
	var (
		link     string
		post     string
		handle   string
		password string
		pds      string
		verbose  bool
	)

	flag.StringVar(&link, "url", "", "Link to preview, as it would appear in a post")
	flag.StringVar(&post, "post", "", "Publish this text with the preview attached instead of only printing it")
	flag.StringVar(&handle, "handle", envOrDefault("BLUESKY_HANDLE", ""), "BlueSky handle (e.g. user.bsky.social)")
	flag.StringVar(&password, "password", envOrDefault("BLUESKY_APP_PASSWORD", ""), "BlueSky app password")
	flag.StringVar(&pds, "pds", envOrDefault("BLUESKY_PDS", bluesky.DefaultPDS), "PDS service URL")
	flag.BoolVar(&verbose, "v", false, "Log pipeline stages to stderr")
	flag.Parse()

	if link == "" {
		return fmt.Errorf("--url is required")
	}

	logOut := io.Discard
	if verbose {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := context.Background()
	client := httpclient.New(httpclient.Settings{
		UserAgent:    os.Getenv("MIRROR_USER_AGENT"),
		HostInterval: 500 * time.Millisecond,
	})

	uri := linkresolve.NewResolver(client, 0, logger).Resolve(ctx, domain.Link{ShortURL: link})
	result := preview{URI: uri}

	meta := metadata.NewExtractor(client, 0, 0, logger).Extract(ctx, uri)
	var img *domain.ImageBlob
	if meta != nil {
		result.Title = meta.Title
		result.Description = meta.Description
		result.ThumbnailURL = meta.ThumbnailURL
	}
	if meta != nil && meta.ThumbnailURL != "" {
		img = media.NewFetcher(client, media.Options{
			MaxBlobBytes: bluesky.MaxBlobBytes,
			MaxWidth:     2000,
		}, logger).Fetch(ctx, meta.ThumbnailURL)
	}
	if img != nil {
		result.ThumbnailBytes = img.Size()
		result.ThumbnailType = img.MimeType
	}
	result.Embed = meta != nil && img != nil

	if post == "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if handle == "" || password == "" {
		return fmt.Errorf("--handle and --password are required to post (or set BLUESKY_HANDLE and BLUESKY_APP_PASSWORD)")
	}

	dest := bluesky.NewClient(pds, client, logger)
	fmt.Printf("Logging in as %s...\n", handle)
	if err := dest.Login(ctx, handle, password); err != nil {
		return err
	}
	fmt.Printf("Authenticated as %s\n", dest.DID())

	var thumb domain.BlobHandle
	if img != nil {
		h, err := dest.UploadBlob(ctx, img)
		if err != nil {
			fmt.Printf("Thumbnail upload failed, posting without embed: %v\n", err)
		}
		thumb = h
	}

	ref, err := dest.Publish(ctx, post, domain.BuildEmbed(meta, thumb, uri))
	if err != nil {
		return err
	}
	fmt.Printf("Post published: %s\n", ref.URI)
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
