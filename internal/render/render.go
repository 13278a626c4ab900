// Package render produces card images through Google Drive and Slides:
// copy the template deck, substitute the name placeholders, export the
// first slide as PNG, drop the copy.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"GreetingCardBot/internal/config"
	"GreetingCardBot/internal/utils/logger/sl"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/slides/v1"
)

var scopes = []string{
	drive.DriveScope,
	slides.PresentationsScope,
}

// attemptTimeout bounds a single call to the Google backend. The retry
// budget on top of this is configured through LimitsConfig.
const attemptTimeout = 20 * time.Second

// Client talks to the Drive/Slides rendering backend.
type Client struct {
	drive  *drive.Service
	slides *slides.Service
	ts     oauth2.TokenSource
	http   *http.Client

	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	log       *slog.Logger
}

// New builds the Drive and Slides services from either OAuth refresh-token
// credentials or a service-account JSON, preferring OAuth (it avoids the
// service-account quota limits on Drive copies).
func New(ctx context.Context, logger *slog.Logger, gcfg config.GoogleConfig, lim config.LimitsConfig) (*Client, error) {
	op := "render.New"
	log := logger.With(slog.String("op", op))

	ts, err := tokenSource(ctx, gcfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	driveSvc, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("%s: drive service: %w", op, err)
	}
	slidesSvc, err := slides.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("%s: slides service: %w", op, err)
	}

	log.Info("render client created")

	return &Client{
		drive:     driveSvc,
		slides:    slidesSvc,
		ts:        ts,
		http:      &http.Client{Timeout: attemptTimeout},
		attempts:  lim.RetryAttempts,
		baseDelay: lim.RetryBaseDelay,
		maxDelay:  lim.RetryMaxDelay,
		log:       logger.With(slog.String("component", "render")),
	}, nil
}

func tokenSource(ctx context.Context, gcfg config.GoogleConfig) (oauth2.TokenSource, error) {
	if gcfg.ClientID != "" && gcfg.ClientSecret != "" && gcfg.RefreshToken != "" {
		conf := &oauth2.Config{
			ClientID:     gcfg.ClientID,
			ClientSecret: gcfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       scopes,
		}
		return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: gcfg.RefreshToken}), nil
	}

	if gcfg.ServiceAccountJSON != "" {
		jwtConf, err := google.JWTConfigFromJSON([]byte(gcfg.ServiceAccountJSON), scopes...)
		if err != nil {
			return nil, fmt.Errorf("service account json: %w", err)
		}
		return jwtConf.TokenSource(ctx), nil
	}

	return nil, errors.New("no google credentials configured")
}

// Render copies templateID, applies the text replacements and exports the
// first slide as PNG. The temporary copy is always deleted, even when the
// export fails; delete errors are logged and swallowed so cleanup never
// masks the primary result.
func (c *Client) Render(ctx context.Context, templateID string, replacements map[string]string) ([]byte, error) {
	op := "render.Render"
	log := c.log.With(slog.String("op", op))

	copyName := fmt.Sprintf("tg_card_%d_%s", time.Now().Unix(), uuid.NewString()[:8])

	var presID string
	err := c.withRetry(ctx, "copy template", func(ctx context.Context) error {
		copied, err := c.drive.Files.Copy(templateID, &drive.File{Name: copyName}).
			SupportsAllDrives(true).Context(ctx).Do()
		if err != nil {
			return err
		}
		presID = copied.Id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: copy template: %w", op, err)
	}

	defer func() {
		if err := c.drive.Files.Delete(presID).SupportsAllDrives(true).Do(); err != nil {
			log.Warn("failed to delete temporary copy",
				slog.String("presentation_id", presID), sl.Err(err))
		}
	}()

	reqs := make([]*slides.Request, 0, len(replacements))
	for placeholder, text := range replacements {
		reqs = append(reqs, &slides.Request{
			ReplaceAllText: &slides.ReplaceAllTextRequest{
				ContainsText: &slides.SubstringMatchCriteria{Text: placeholder},
				ReplaceText:  text,
			},
		})
	}

	err = c.withRetry(ctx, "replace text", func(ctx context.Context) error {
		_, err := c.slides.Presentations.BatchUpdate(presID,
			&slides.BatchUpdatePresentationRequest{Requests: reqs}).
			Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: replace text: %w", op, err)
	}

	var slideID string
	err = c.withRetry(ctx, "resolve slide", func(ctx context.Context) error {
		pres, err := c.slides.Presentations.Get(presID).Context(ctx).Do()
		if err != nil {
			return err
		}
		if len(pres.Slides) == 0 {
			return fmt.Errorf("presentation %s has no slides", presID)
		}
		slideID = pres.Slides[0].ObjectId
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: resolve slide: %w", op, err)
	}

	var png []byte
	err = c.withRetry(ctx, "export png", func(ctx context.Context) error {
		png, err = c.exportPNG(ctx, presID, slideID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: export png: %w", op, err)
	}

	log.Debug("card rendered",
		slog.String("presentation_id", presID),
		slog.Int("bytes", len(png)))

	return png, nil
}

// exportPNG fetches the rendered slide through the documented export URL.
// The Slides API itself has no image export, so this is a plain authenticated
// GET with a token from the shared source (refreshed when expired).
func (c *Client) exportPNG(ctx context.Context, presID, slideID string) ([]byte, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}

	url := fmt.Sprintf("https://docs.google.com/presentation/d/%s/export/png?pageid=%s", presID, slideID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return nil, fmt.Errorf("export png: HTTP %d - %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// withRetry runs fn with a per-attempt timeout, retrying transient failures
// with exponential backoff and jitter.
func (c *Client) withRetry(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt, c.baseDelay, c.maxDelay)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		c.log.Warn("transient failure, retrying",
			slog.String("step", name),
			slog.Int("attempt", attempt+1),
			sl.Err(err))
	}
	return err
}

// IsRetryable reports whether err looks like a transient transport failure
// (rate limit, server error, timeout).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "rate limit") ||
		strings.Contains(errMsg, "429") ||
		strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "deadline") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "unavailable")
}

// backoff returns the delay before the given attempt: exponential growth
// capped at maxDelay, with ±30% jitter.
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 31 {
		shift = 31
	}
	delay := time.Duration(1<<uint(shift)) * base
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(float64(delay) * 0.3 * (rand.Float64()*2 - 1))
	return delay + jitter
}
