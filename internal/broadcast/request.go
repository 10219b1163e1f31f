package broadcast

import (
	"encoding/base64"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/iago/wa-lead-router/internal/domain"
	"github.com/iago/wa-lead-router/internal/policy"
)

const (
	DefaultIntervalMs = 3000
	MinIntervalMs     = 500
	MaxIntervalMs     = 600000
	DefaultMaxRetries = 2
	MaxMaxRetries     = 5
	MaxMediaBytes     = 16 << 20
)

var allowedMimeTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/webp":      {},
	"video/mp4":       {},
	"audio/mpeg":      {},
	"audio/ogg":       {},
	"application/pdf": {},
}

type MediaRequest struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
}

type StartRequest struct {
	Statuses   []string      `json:"statuses"`
	AssignedTo string        `json:"assigned_to,omitempty"`
	Source     string        `json:"source,omitempty"`
	Message    string        `json:"message"`
	Media      *MediaRequest `json:"media,omitempty"`
	IntervalMs int           `json:"interval_ms,omitempty"`
	MaxRetries *int          `json:"max_retries,omitempty"`
}

// plan is a validated StartRequest.
type plan struct {
	filter     domain.LeadFilter
	message    string
	media      *domain.BroadcastMedia
	intervalMs int
	maxRetries int
}

func (r StartRequest) validate() (plan, error) {
	statuses := make([]string, 0, len(r.Statuses))
	for _, status := range r.Statuses {
		if trimmed := strings.TrimSpace(status); trimmed != "" {
			statuses = append(statuses, trimmed)
		}
	}
	if len(statuses) == 0 {
		return plan{}, errors.Wrap(ErrInvalidFilter, "at least one status is required")
	}

	intervalMs := r.IntervalMs
	if intervalMs == 0 {
		intervalMs = DefaultIntervalMs
	}
	if intervalMs < MinIntervalMs || intervalMs > MaxIntervalMs {
		return plan{}, errors.Wrapf(ErrInvalidFilter, "interval_ms must be between %d and %d", MinIntervalMs, MaxIntervalMs)
	}

	maxRetries := DefaultMaxRetries
	if r.MaxRetries != nil {
		maxRetries = *r.MaxRetries
	}
	if maxRetries < 0 || maxRetries > MaxMaxRetries {
		return plan{}, errors.Wrapf(ErrInvalidFilter, "max_retries must be between 0 and %d", MaxMaxRetries)
	}

	media, err := r.decodeMedia()
	if err != nil {
		return plan{}, err
	}

	message := strings.TrimSpace(r.Message)
	if message == "" && media == nil {
		return plan{}, errors.Wrap(ErrInvalidFilter, "message or media is required")
	}
	if message != "" {
		if err := policy.CheckOutboundText(message, media != nil); err != nil {
			return plan{}, errors.WithSecondaryError(errors.Wrap(ErrInvalidFilter, err.Error()), err)
		}
	}

	return plan{
		filter: domain.LeadFilter{
			Statuses:   statuses,
			AssignedTo: strings.TrimSpace(r.AssignedTo),
			Source:     strings.TrimSpace(r.Source),
		},
		message:    message,
		media:      media,
		intervalMs: intervalMs,
		maxRetries: maxRetries,
	}, nil
}

func (r StartRequest) decodeMedia() (*domain.BroadcastMedia, error) {
	if r.Media == nil || strings.TrimSpace(r.Media.Base64) == "" {
		return nil, nil
	}
	mimeType := strings.ToLower(strings.TrimSpace(r.Media.MimeType))
	if _, ok := allowedMimeTypes[mimeType]; !ok {
		return nil, errors.Wrapf(ErrInvalidFilter, "unsupported media type %q", r.Media.MimeType)
	}

	encoded := strings.TrimSpace(r.Media.Base64)
	// Accept data URLs as produced by browser file readers.
	if strings.HasPrefix(encoded, "data:") {
		if comma := strings.IndexByte(encoded, ','); comma >= 0 {
			encoded = encoded[comma+1:]
		}
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > MaxMediaBytes+3 {
		return nil, errors.Wrap(ErrInvalidFilter, "media exceeds 16 MiB")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidFilter, "media is not valid base64")
	}
	if len(data) == 0 {
		return nil, errors.Wrap(ErrInvalidFilter, "media is empty")
	}
	if len(data) > MaxMediaBytes {
		return nil, errors.Wrap(ErrInvalidFilter, "media exceeds 16 MiB")
	}
	return &domain.BroadcastMedia{
		Data:     data,
		MimeType: mimeType,
		Filename: strings.TrimSpace(r.Media.Filename),
	}, nil
}
