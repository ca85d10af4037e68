package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	chatPath      = "/chat"
	summarizePath = "/summarize-audio"

	// Form field the backend reads the recording from.
	audioField = "file"

	maxReplyBytes   = 4 << 20
	maxErrorExcerpt = 256
)

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Answer *string `json:"answer"`
}

type summaryResponse struct {
	Summary *string `json:"summary"`
}

// HTTPClient calls the backend over plain HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds a client for the backend at baseURL. A zero timeout
// leaves requests bounded only by the caller's context.
func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https, got %q", baseURL)
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) Chat(ctx context.Context, message string) (string, error) {
	body, err := json.Marshal(chatRequest{Message: message})
	if err != nil {
		return "", fmt.Errorf("chat: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out chatResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	if out.Answer == nil {
		return "", fmt.Errorf("chat: %w: answer field missing", ErrMalformedResponse)
	}
	return *out.Answer, nil
}

func (c *HTTPClient) SummarizeAudio(ctx context.Context, audio Audio) (string, error) {
	body, contentType, err := encodeAudio(audio)
	if err != nil {
		return "", fmt.Errorf("summarize audio: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+summarizePath, body)
	if err != nil {
		return "", fmt.Errorf("summarize audio: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var out summaryResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("summarize audio: %w", err)
	}
	if out.Summary == nil {
		return "", fmt.Errorf("summarize audio: %w: summary field missing", ErrMalformedResponse)
	}
	return *out.Summary, nil
}

// do sends req and decodes a 2xx JSON reply into out.
func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return fmt.Errorf("%w: read reply: %w", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: excerpt(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

func encodeAudio(audio Audio) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	filename := audio.Filename
	if filename == "" {
		filename = "audio"
	}
	contentType := audio.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, audioField, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// excerpt trims an error body to at most maxErrorExcerpt bytes, cutting on a
// rune boundary.
func excerpt(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) <= maxErrorExcerpt {
		return s
	}
	n := maxErrorExcerpt
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
