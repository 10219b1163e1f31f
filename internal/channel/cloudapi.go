package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/policy"
)

var ErrCloudAPIUnavailable = errors.New("whatsapp cloud api is not configured")

type CloudAPIConfig struct {
	BaseURL       string
	Token         string
	PhoneNumberID string
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	HTTPClient    *http.Client
	Logger        *zap.SugaredLogger
}

// CloudAPI sends messages through the WhatsApp Cloud API.
type CloudAPI struct {
	baseURL       string
	token         string
	phoneNumberID string
	timeout       time.Duration
	maxRetries    int
	backoff       time.Duration
	httpClient    *http.Client
	logger        *zap.SugaredLogger
}

func NewCloudAPI(config CloudAPIConfig) *CloudAPI {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://graph.facebook.com/v21.0"
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Backoff <= 0 {
		config.Backoff = 350 * time.Millisecond
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	return &CloudAPI{
		baseURL:       strings.TrimSuffix(config.BaseURL, "/"),
		token:         strings.TrimSpace(config.Token),
		phoneNumberID: strings.TrimSpace(config.PhoneNumberID),
		timeout:       config.Timeout,
		maxRetries:    config.MaxRetries,
		backoff:       config.Backoff,
		httpClient:    config.HTTPClient,
		logger:        logging.OrNop(config.Logger).Named("channel.cloudapi"),
	}
}

func (c *CloudAPI) Available() bool {
	return c.token != "" && c.phoneNumberID != ""
}

func (c *CloudAPI) SendText(ctx context.Context, to, body string) SendResult {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                recipientID(to),
		"type":              "text",
		"text": map[string]any{
			"preview_url": false,
			"body":        body,
		},
	}
	return c.sendMessage(ctx, to, payload)
}

func (c *CloudAPI) SendMedia(ctx context.Context, to, caption string, media Media) SendResult {
	if !c.Available() {
		return Failed{Reason: ErrCloudAPIUnavailable.Error()}
	}

	var mediaID string
	err := c.withRetry(ctx, func() error {
		id, uploadErr := c.uploadMedia(ctx, media)
		mediaID = id
		return uploadErr
	})
	if err != nil {
		c.logger.Warnw("media upload failed", "to", policy.MaskPhone(to), "mime_type", media.MimeType, "error", err)
		return Failed{Reason: err.Error()}
	}

	kind := mediaKind(media.MimeType)
	object := map[string]any{"id": mediaID}
	if caption != "" && kind != "audio" {
		object["caption"] = caption
	}
	if kind == "document" && media.Filename != "" {
		object["filename"] = media.Filename
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                recipientID(to),
		"type":              kind,
		kind:                object,
	}
	return c.sendMessage(ctx, to, payload)
}

func (c *CloudAPI) sendMessage(ctx context.Context, to string, payload map[string]any) SendResult {
	if !c.Available() {
		return Failed{Reason: ErrCloudAPIUnavailable.Error()}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return Failed{Reason: fmt.Sprintf("marshal message payload: %v", err)}
	}

	var providerMessageID string
	err = c.withRetry(ctx, func() error {
		id, callErr := c.postMessage(ctx, encoded)
		providerMessageID = id
		return callErr
	})
	if err != nil {
		c.logger.Warnw("send failed", "to", policy.MaskPhone(to), "error", err)
		return Failed{Reason: err.Error()}
	}
	return Sent{ProviderMessageID: providerMessageID}
}

func (c *CloudAPI) withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		callErr := call()
		if callErr == nil {
			return nil
		}
		lastErr = callErr

		if !isRetryableProviderError(callErr) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(attempt+1) * c.backoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown cloud api error")
	}
	return lastErr
}

func (c *CloudAPI) postMessage(ctx context.Context, payload []byte) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(
		timeoutCtx,
		http.MethodPost,
		c.baseURL+"/"+c.phoneNumberID+"/messages",
		bytes.NewReader(payload),
	)
	if err != nil {
		return "", errors.Wrap(err, "create cloud api request")
	}
	request.Header.Set("Content-Type", "application/json")

	body, err := c.do(timeoutCtx, request)
	if err != nil {
		return "", err
	}

	var decoded struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", errors.Wrap(err, "decode cloud api response")
	}
	if len(decoded.Messages) == 0 || decoded.Messages[0].ID == "" {
		return "", errors.New("cloud api response without message id")
	}
	return decoded.Messages[0].ID, nil
}

func (c *CloudAPI) uploadMedia(ctx context.Context, media Media) (string, error) {
	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	if err := writer.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", errors.Wrap(err, "write media form")
	}
	if err := writer.WriteField("type", media.MimeType); err != nil {
		return "", errors.Wrap(err, "write media form")
	}

	filename := media.Filename
	if filename == "" {
		filename = "attachment"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", media.MimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", errors.Wrap(err, "create media part")
	}
	if _, err := part.Write(media.Data); err != nil {
		return "", errors.Wrap(err, "write media part")
	}
	if err := writer.Close(); err != nil {
		return "", errors.Wrap(err, "close media form")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(
		timeoutCtx,
		http.MethodPost,
		c.baseURL+"/"+c.phoneNumberID+"/media",
		bytes.NewReader(form.Bytes()),
	)
	if err != nil {
		return "", errors.Wrap(err, "create media upload request")
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	body, err := c.do(timeoutCtx, request)
	if err != nil {
		return "", err
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", errors.Wrap(err, "decode media upload response")
	}
	if decoded.ID == "" {
		return "", errors.New("media upload response without id")
	}
	return decoded.ID, nil
}

func (c *CloudAPI) do(timeoutCtx context.Context, request *http.Request) ([]byte, error) {
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrap(err, "cloud api timeout")
		}
		return nil, errors.Wrap(err, "cloud api transport error")
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read cloud api body")
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return nil, &providerHTTPError{StatusCode: response.StatusCode, Message: message}
	}
	return body, nil
}

type providerHTTPError struct {
	StatusCode int
	Message    string
}

func (e *providerHTTPError) Error() string {
	return fmt.Sprintf("cloud api status %d: %s", e.StatusCode, e.Message)
}

func isRetryableProviderError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *providerHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "tempor")
}

// recipientID converts an E.164 phone into the digits-only id the Cloud API expects.
func recipientID(phone string) string {
	return strings.TrimPrefix(strings.TrimSpace(phone), "+")
}

func mediaKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}
