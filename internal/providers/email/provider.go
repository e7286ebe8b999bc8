package email

import (
	"context"
	"sync"
)

type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error
}

// NoOpProvider drops messages. It is used when SMTP is not configured.
type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}

func (p *NoOpProvider) SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error {
	return nil
}

// Message is a rendered message captured by RecordingProvider.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// RecordingProvider renders templates and keeps the messages in memory.
// Err, when set, is returned from every send.
type RecordingProvider struct {
	mu       sync.Mutex
	Err      error
	Messages []Message
}

func (p *RecordingProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Messages = append(p.Messages, Message{To: append([]string(nil), to...), Subject: subject, Body: htmlBody})
	return nil
}

func (p *RecordingProvider) SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error {
	subject, body, err := Render(templateName, data)
	if err != nil {
		return err
	}
	return p.Send(ctx, to, subject, body)
}

func (p *RecordingProvider) SetErr(err error) {
	p.mu.Lock()
	p.Err = err
	p.mu.Unlock()
}

func (p *RecordingProvider) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.Messages...)
}
