// Package sink adapts notification providers to the fan-out.
package sink

import (
	"context"
	"sort"
	"strings"

	notificationdomain "github.com/smallbiznis/stripesync/internal/notification/domain"
	"github.com/smallbiznis/stripesync/internal/providers/email"
)

// Email delivers user notifications.
type Email struct {
	provider email.Provider
}

func NewEmail(provider email.Provider) *Email {
	return &Email{provider: provider}
}

func (s *Email) Name() string { return "email" }

func (s *Email) Accepts(n notificationdomain.Notification) bool {
	return n.Audience == notificationdomain.AudienceUser && strings.TrimSpace(n.Recipient) != ""
}

func (s *Email) Send(ctx context.Context, n notificationdomain.Notification) error {
	return s.provider.SendTemplate(ctx, []string{n.Recipient}, "notification", email.TemplateData{
		Subject: n.Subject,
		Heading: n.Subject,
		Rows:    rows(n.Fields),
	})
}

func rows(fields map[string]string) []email.Row {
	out := make([]email.Row, 0, len(fields))
	for _, key := range sortedKeys(fields) {
		out = append(out, email.Row{Label: strings.ReplaceAll(key, "_", " "), Value: fields[key]})
	}
	return out
}

func sortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
