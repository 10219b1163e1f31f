package policy

import (
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

var ErrContentPolicyViolation = errors.New("content policy violation")

// MaxTextLength is the longest body the Cloud API accepts for a text message.
const MaxTextLength = 4096

// MaxCaptionLength applies to media captions.
const MaxCaptionLength = 1024

type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PolicyViolationError struct {
	Violations []Violation
}

func (e *PolicyViolationError) Error() string {
	if len(e.Violations) == 0 {
		return ErrContentPolicyViolation.Error()
	}
	return "content policy violation: " + e.Violations[0].Message
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrContentPolicyViolation
}

var blockedKeywords = []string{
	"phishing",
	"ransomware",
	"malware",
	"golpe",
	"fraude",
}

// CheckOutboundText validates an operator-authored body before it is sent to
// many recipients. withMedia selects the caption length limit.
func CheckOutboundText(body string, withMedia bool) error {
	violations := make([]Violation, 0, 2)

	limit := MaxTextLength
	if withMedia {
		limit = MaxCaptionLength
	}
	if utf8.RuneCountInString(body) > limit {
		violations = append(violations, Violation{
			Code:    "message_too_long",
			Message: "message exceeds channel size limit",
		})
	}

	content := strings.ToLower(body)
	for _, token := range blockedKeywords {
		if strings.Contains(content, token) {
			violations = append(violations, Violation{
				Code:    "blocked_term",
				Message: "message contains a term blocked by policy",
			})
			break
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &PolicyViolationError{Violations: violations}
}
