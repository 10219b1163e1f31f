package channel

import "context"

// Channel delivers outbound messages. Sends never return an error: transport
// problems are reported as a Failed result so callers apply their own policy.
type Channel interface {
	SendText(ctx context.Context, to, body string) SendResult
	SendMedia(ctx context.Context, to, caption string, media Media) SendResult
}

type Media struct {
	Data     []byte
	MimeType string
	Filename string
}

// SendResult is either Sent or Failed.
type SendResult interface {
	OK() bool
	sendResult()
}

type Sent struct {
	ProviderMessageID string
}

func (Sent) OK() bool    { return true }
func (Sent) sendResult() {}

type Failed struct {
	Reason string
}

func (Failed) OK() bool    { return false }
func (Failed) sendResult() {}

// Describe returns the provider id of a Sent result or the reason of a Failed
// one, for logging.
func Describe(result SendResult) (providerMessageID, reason string) {
	switch typed := result.(type) {
	case Sent:
		return typed.ProviderMessageID, ""
	case Failed:
		return "", typed.Reason
	}
	return "", "unknown send result"
}
