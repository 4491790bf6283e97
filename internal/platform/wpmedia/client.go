package wpmedia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/ctxutil"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/envutil"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
)

// Client uploads binary assets to the site media library and returns a stable
// media identifier the LMS can reference as a thumbnail.
type Client interface {
	Upload(ctx context.Context, data []byte, filename, title, mimeType string) (UploadResult, error)
}

type UploadResult struct {
	MediaID int64
	URL     string
}

type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:  strings.TrimRight(envutil.Str("WP_MEDIA_BASE_URL", ""), "/"),
		Username: strings.TrimSpace(os.Getenv("WP_MEDIA_USERNAME")),
		Password: strings.TrimSpace(os.Getenv("WP_MEDIA_APP_PASSWORD")),
		Timeout:  time.Duration(envutil.Int("WP_MEDIA_TIMEOUT_SECONDS", 60)) * time.Second,
	}
	if cfg.BaseURL == "" {
		return cfg, fmt.Errorf("missing WP_MEDIA_BASE_URL")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return cfg, fmt.Errorf("missing WP_MEDIA_USERNAME / WP_MEDIA_APP_PASSWORD")
	}
	return cfg, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("missing media base URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &client{
		log:        log.With("service", "WPMediaClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *client) Upload(ctx context.Context, data []byte, filename, title, mimeType string) (UploadResult, error) {
	var out UploadResult
	if len(data) == 0 {
		return out, fmt.Errorf("empty upload payload")
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = "asset.png"
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "image/png"
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return out, err
	}
	if _, err := part.Write(data); err != nil {
		return out, err
	}
	if title = strings.TrimSpace(title); title != "" {
		_ = writer.WriteField("title", title)
	}
	_ = writer.Close()

	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/wp-json/wp/v2/media"
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), "POST", u, &buf)
	if err != nil {
		return out, err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, filename))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return out, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, fmt.Errorf("media upload http %d: %s", resp.StatusCode, string(raw))
	}

	var decoded struct {
		ID        int64  `json:"id"`
		SourceURL string `json:"source_url"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return out, fmt.Errorf("media upload decode: %w", err)
	}
	if decoded.ID <= 0 {
		return out, fmt.Errorf("media upload missing id")
	}
	out.MediaID = decoded.ID
	out.URL = strings.TrimSpace(decoded.SourceURL)
	return out, nil
}
