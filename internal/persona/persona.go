// Package persona loads the bot's personality text, the system prompt
// layer that gives the bot its voice.
package persona

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/mobo/internal/httpkit"
)

// maxBytes caps a persona fetched over HTTP.
const maxBytes = 256 << 10

// A persona GET is safe to resend when the server refused the connection.
const (
	dialRetries    = 2
	dialRetryDelay = 250 * time.Millisecond
)

// Source names where the persona comes from. File wins when both are set.
type Source struct {
	File string
	URL  string
}

// Load returns the persona text. It returns ("", nil) when no source is
// configured so the caller can fall back to its built-in default.
// Content that is a single base64 token is decoded, which lets a
// multi-line persona travel through an environment variable.
func Load(ctx context.Context, src Source, client *http.Client) (string, error) {
	var raw string
	switch {
	case src.File != "":
		data, err := os.ReadFile(src.File)
		if err != nil {
			return "", fmt.Errorf("load persona %s: %w", src.File, err)
		}
		raw = string(data)
	case src.URL != "":
		text, err := fetch(ctx, src.URL, client)
		if err != nil {
			return "", err
		}
		raw = text
	default:
		return "", nil
	}
	return decode(raw), nil
}

func fetch(ctx context.Context, url string, client *http.Client) (string, error) {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithDialRetry(dialRetries, dialRetryDelay, nil))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build persona request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch persona %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch persona %s: status %d: %s",
			url, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return "", fmt.Errorf("read persona %s: %w", url, err)
	}
	return string(data), nil
}

func decode(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" || strings.ContainsAny(text, " \t\n") {
		return text
	}
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil || !utf8.Valid(decoded) || !strings.ContainsAny(string(decoded), " \n") {
		return text
	}
	return strings.TrimSpace(string(decoded))
}
