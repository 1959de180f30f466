// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attachment (continued): Resolve implements spec §4.4's four fetch
// modes. The filesystem path-traversal guard is adapted from the teacher's
// pkg/storage/local.go (sanitizeKey / basePath containment check). The
// http_url/endpoint HTTP fetch uses a client with a request timeout and a
// hard size ceiling (MaxBytes) and accepts any content type. It follows
// redirects with net/http's default policy and does not check the target
// host against a block list.
package attachment

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relaycore/smtprelay/internal/domain/models"
)

// Resolved is one materialized attachment, ready for MIME composition.
type Resolved struct {
	Filename string
	MimeType string
	Bytes    []byte
	Hash     string
}

// ResolverConfig tunes the resolver's bounds.
type ResolverConfig struct {
	BaseDir                  string
	HTTPTimeoutMs            int
	MaxBytes                 int64
	MaxConcurrency           int64
	AttachmentAuthCtx        func(tenantID string) *models.Auth
	AttachmentEndpointURLCtx func(tenantID string) string
}

func DefaultResolverConfig(baseDir string) ResolverConfig {
	return ResolverConfig{
		BaseDir:        baseDir,
		HTTPTimeoutMs:  10_000,
		MaxBytes:       25 * 1024 * 1024,
		MaxConcurrency: 8,
	}
}

// Resolver materializes attachment bytes for one message at a time,
// coalescing repeated content through Cache and bounding concurrent fetches
// with a weighted semaphore (spec §4.4).
type Resolver struct {
	cache  *Cache
	cfg    ResolverConfig
	sem    *semaphore.Weighted
	client *http.Client
}

func NewResolver(cache *Cache, cfg ResolverConfig) *Resolver {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &Resolver{
		cache: cache,
		cfg:   cfg,
		sem:   semaphore.NewWeighted(cfg.MaxConcurrency),
		client: &http.Client{
			Timeout: httpTimeoutDuration(cfg.HTTPTimeoutMs),
		},
	}
}

// ResolveAll resolves every attachment of a message concurrently, bounded by
// the resolver's semaphore. Failure of any one attachment fails the whole
// call (spec §4.4: "fails the whole message with a transient error").
func (r *Resolver) ResolveAll(ctx context.Context, tenantID string, descriptors []models.AttachmentDescriptor) ([]Resolved, error) {
	out := make([]Resolved, len(descriptors))
	errs := make([]error, len(descriptors))

	done := make(chan int, len(descriptors))
	for i, d := range descriptors {
		i, d := i, d
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("attachment resolve: acquire semaphore: %w", err)
		}
		go func() {
			defer r.sem.Release(1)
			res, err := r.resolveOne(ctx, tenantID, d)
			out[i], errs[i] = res, err
			done <- i
		}()
	}
	for range descriptors {
		<-done
	}

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("attachment resolve: %w", err)
		}
	}
	return out, nil
}

var hashMarkerRe = regexp.MustCompile(`_\{(?:MD5|SHA256):([0-9a-fA-F]+)\}(\.[A-Za-z0-9]+)?$`)

func (r *Resolver) resolveOne(ctx context.Context, tenantID string, d models.AttachmentDescriptor) (Resolved, error) {
	mode := d.FetchMode
	if mode == "" {
		mode = models.InferFetchMode(d.StoragePath)
	}

	filename, hash := stripHashMarker(d.Filename)
	if d.ContentHash != "" {
		hash = d.ContentHash
	}

	fetch := func(ctx context.Context) ([]byte, string, error) {
		switch mode {
		case models.FetchModeBase64:
			return r.fetchBase64(d)
		case models.FetchModeFilesystem:
			return r.fetchFilesystem(d)
		case models.FetchModeHTTPURL:
			return r.fetchHTTPURL(ctx, d)
		case models.FetchModeEndpoint:
			return r.fetchEndpoint(ctx, tenantID, d)
		default:
			return nil, "", fmt.Errorf("unknown fetch_mode %q", mode)
		}
	}

	var data []byte
	var mimeType string
	var err error

	if hash != "" && r.cache != nil {
		var e *Entry
		e, err = r.cache.Get(ctx, hash, func(ctx context.Context) ([]byte, string, error) {
			return fetch(ctx)
		})
		if e != nil {
			data, mimeType = e.Bytes, e.MimeType
		}
	} else {
		data, mimeType, err = fetch(ctx)
	}
	if err != nil {
		return Resolved{}, fmt.Errorf("%s: %w", filename, err)
	}

	mimeType = resolveMimeType(d.MimeType, filename, mimeType)

	return Resolved{Filename: filename, MimeType: mimeType, Bytes: data, Hash: hash}, nil
}

func (r *Resolver) fetchBase64(d models.AttachmentDescriptor) ([]byte, string, error) {
	literal := strings.TrimPrefix(d.StoragePath, "base64:")
	data, err := base64.StdEncoding.DecodeString(literal)
	if err != nil {
		return nil, "", fmt.Errorf("base64 decode: %w", err)
	}
	return data, "", nil
}

func (r *Resolver) fetchFilesystem(d models.AttachmentDescriptor) ([]byte, string, error) {
	path := d.StoragePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.cfg.BaseDir, path)
	}
	path = filepath.Clean(path)

	base := filepath.Clean(r.cfg.BaseDir)
	if base != "" && !strings.HasPrefix(path, base) {
		return nil, "", fmt.Errorf("filesystem path escapes base directory")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}
	return data, "", nil
}

func (r *Resolver) fetchHTTPURL(ctx context.Context, d models.AttachmentDescriptor) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.StoragePath, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	return r.doAndRead(req, d.Auth)
}

// fetchEndpoint POSTs the descriptor's parameter string to the tenant's
// configured attachment endpoint (base URL + path, spec §4.4) — the URL and
// the body are distinct: the endpoint comes from the tenant, the body from
// the descriptor's storage_path.
func (r *Resolver) fetchEndpoint(ctx context.Context, tenantID string, d models.AttachmentDescriptor) ([]byte, string, error) {
	if r.cfg.AttachmentAuthCtx == nil || r.cfg.AttachmentEndpointURLCtx == nil {
		return nil, "", fmt.Errorf("attachment endpoint not configured")
	}

	auth := d.Auth
	if auth == nil {
		auth = r.cfg.AttachmentAuthCtx(tenantID)
	}

	endpointURL := r.cfg.AttachmentEndpointURLCtx(tenantID)
	if endpointURL == "" {
		return nil, "", fmt.Errorf("tenant %s has no attachment endpoint configured", tenantID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, strings.NewReader(d.StoragePath))
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	return r.doAndRead(req, auth)
}

func (r *Resolver) doAndRead(req *http.Request, auth *models.Auth) ([]byte, string, error) {
	applyAuth(req, auth)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("http status %d", resp.StatusCode)
	}

	limit := r.cfg.MaxBytes
	if limit <= 0 {
		limit = 25 * 1024 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("attachment exceeds max size %d", limit)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = parsed
		}
	}
	return data, contentType, nil
}

func applyAuth(req *http.Request, auth *models.Auth) {
	if auth == nil {
		return
	}
	switch auth.Kind {
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case models.AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	}
}

// stripHashMarker extracts a legacy `..._{MD5:hex}.ext` hash marker from a
// filename, returning the filename with the marker removed and the hash,
// per spec §4.4.
func stripHashMarker(filename string) (cleanName, hash string) {
	m := hashMarkerRe.FindStringSubmatch(filename)
	if m == nil {
		return filename, ""
	}
	ext := m[2]
	base := filename[:strings.LastIndex(filename, m[0])]
	return base + ext, strings.ToLower(m[1])
}

// resolveMimeType applies spec §4.4's resolution order: explicit descriptor
// field, filename extension, fetched content-type, then octet-stream.
func resolveMimeType(declared, filename, fetched string) string {
	if declared != "" {
		return declared
	}
	if ext := filepath.Ext(filename); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	if fetched != "" {
		return fetched
	}
	return "application/octet-stream"
}

func httpTimeoutDuration(ms int) time.Duration {
	if ms <= 0 {
		ms = 10_000
	}
	return time.Duration(ms) * time.Millisecond
}
