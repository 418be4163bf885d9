package analyze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/quantfoundry/marketmood/internal/config"
)

// maxImageBytes caps downloads; anything larger than the model accepts
// inline is pointless to fetch.
const maxImageBytes = 8 << 20

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// mediaHosts serve images from extension-less URLs.
var mediaHosts = map[string]bool{
	"i.redd.it":       true,
	"preview.redd.it": true,
	"i.imgur.com":     true,
}

// IsImageURL reports whether a post URL points at an image, either by
// file extension or by a known media host.
func IsImageURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if imageExtensions[strings.ToLower(path.Ext(u.Path))] {
		return true
	}
	return mediaHosts[strings.ToLower(u.Host)]
}

// imageData is a downloaded image ready to attach to a model request.
type imageData struct {
	data []byte
	mime string
}

// statusError marks an HTTP failure with its code so the retry policy
// can tell 404s from 503s.
type statusError struct {
	status int
	url    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("image download failed: status %d from %s", e.status, e.url)
}

var errNotImage = errors.New("url did not return image content")

type imageFetcher struct {
	client  *http.Client
	timeout time.Duration
	retries int
	delay   time.Duration
	logger  zerolog.Logger
}

func newImageFetcher(tuning config.AnalyzerTuning, logger zerolog.Logger) *imageFetcher {
	timeout := tuning.ImageTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	delay := tuning.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	retries := tuning.ImageRetries
	if retries < 0 {
		retries = 0
	}
	return &imageFetcher{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		retries: retries,
		delay:   delay,
		logger:  logger,
	}
}

// fetch downloads an image, retrying timeouts and server errors with
// doubling delays. 404 and 403 fail immediately; those never heal.
func (f *imageFetcher) fetch(ctx context.Context, rawURL string) (*imageData, error) {
	var img *imageData
	err := retry.Do(
		func() error {
			got, err := f.get(ctx, rawURL)
			if err != nil {
				return err
			}
			img = got
			return nil
		},
		retry.Attempts(uint(f.retries)+1),
		retry.Delay(f.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.status != http.StatusNotFound && se.status != http.StatusForbidden
			}
			if errors.Is(err, errNotImage) {
				return false
			}
			return ctx.Err() == nil
		}),
		retry.OnRetry(func(attempt uint, err error) {
			f.logger.Info().
				Uint("retry", attempt+1).
				Str("url", rawURL).
				Err(err).
				Msg("Retrying image download")
		}),
	)
	if err != nil {
		f.logger.Warn().Err(err).Str("url", rawURL).Msg("Image download failed")
		return nil, err
	}
	return img, nil
}

func (f *imageFetcher) get(ctx context.Context, rawURL string) (*imageData, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{status: resp.StatusCode, url: rawURL}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", errNotImage, maxImageBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", errNotImage)
	}

	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	mime = strings.TrimSpace(mime)
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("%w: content type %s", errNotImage, mime)
	}
	return &imageData{data: data, mime: mime}, nil
}
