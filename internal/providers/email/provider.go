package email

import (
	"context"
	"errors"
)

var ErrNoRecipient = errors.New("no_recipient")

type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	SendTemplate(ctx context.Context, to []string, templateName string, data TemplateData) error
}

// TemplateData feeds the embedded HTML templates.
type TemplateData struct {
	Subject string
	Heading string
	Rows    []Row
}

type Row struct {
	Label string
	Value string
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}

func (p *NoOpProvider) SendTemplate(ctx context.Context, to []string, templateName string, data TemplateData) error {
	return nil
}
