package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/iago/wa-lead-router/internal/domain"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Hub-Signature-256"

type cloudWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []cloudMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    cloudCaption `json:"image"`
	Video    cloudCaption `json:"video"`
	Document cloudCaption `json:"document"`
	Button   struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive struct {
		ButtonReply struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

type cloudCaption struct {
	Caption string `json:"caption"`
}

// ParseCloudWebhook normalizes a Cloud API webhook delivery into inbound
// events. Status callbacks carry no messages and yield an empty slice.
func ParseCloudWebhook(body []byte) ([]domain.InboundMessageEvent, error) {
	var payload cloudWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "decode cloud webhook")
	}

	events := make([]domain.InboundMessageEvent, 0)
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, message := range change.Value.Messages {
				events = append(events, domain.InboundMessageEvent{
					FromChannelID:     message.From,
					ToChannelID:       change.Value.Metadata.DisplayPhoneNumber,
					Text:              messageText(message),
					ProviderMessageID: message.ID,
					DisplayName:       names[message.From],
					ReceivedAt:        messageTime(message.Timestamp),
				})
			}
		}
	}
	return events, nil
}

func messageText(message cloudMessage) string {
	switch message.Type {
	case "text":
		return message.Text.Body
	case "image":
		return message.Image.Caption
	case "video":
		return message.Video.Caption
	case "document":
		return message.Document.Caption
	case "button":
		return message.Button.Text
	case "interactive":
		if message.Interactive.ButtonReply.Title != "" {
			return message.Interactive.ButtonReply.Title
		}
		return message.Interactive.ListReply.Title
	}
	return ""
}

func messageTime(raw string) time.Time {
	seconds, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}

// VerifySignature checks the "sha256=<hex>" header against the body.
func VerifySignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" {
		return false
	}
	digest, found := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !found {
		return false
	}
	expected, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign returns the header value VerifySignature accepts for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
