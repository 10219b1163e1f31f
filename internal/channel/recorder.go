package channel

import (
	"context"
	"fmt"
	"sync"
)

// Message is one send captured by Recorder.
type Message struct {
	To    string
	Body  string
	Media *Media
}

// Recorder is an in-memory Channel that records every send. Failures can be
// scripted per recipient: the next n sends to that recipient fail.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	failures map[string]int
	seq      int
}

func NewRecorder() *Recorder {
	return &Recorder{failures: make(map[string]int)}
}

// FailNext makes the next n sends to recipient fail.
func (r *Recorder) FailNext(recipient string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[recipient] += n
}

func (r *Recorder) SendText(_ context.Context, to, body string) SendResult {
	return r.record(Message{To: to, Body: body})
}

func (r *Recorder) SendMedia(_ context.Context, to, caption string, media Media) SendResult {
	copied := media
	copied.Data = append([]byte(nil), media.Data...)
	return r.record(Message{To: to, Body: caption, Media: &copied})
}

func (r *Recorder) record(message Message) SendResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, message)
	if r.failures[message.To] > 0 {
		r.failures[message.To]--
		return Failed{Reason: "scripted failure"}
	}
	r.seq++
	return Sent{ProviderMessageID: fmt.Sprintf("rec-%d", r.seq)}
}

// Messages returns every captured send in order.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// MessagesTo returns the captured sends addressed to recipient.
func (r *Recorder) MessagesTo(recipient string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]Message, 0)
	for _, message := range r.messages {
		if message.To == recipient {
			items = append(items, message)
		}
	}
	return items
}
