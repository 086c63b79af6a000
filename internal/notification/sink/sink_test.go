package sink

import (
	"context"
	"testing"

	notificationdomain "github.com/smallbiznis/stripesync/internal/notification/domain"
	"github.com/smallbiznis/stripesync/internal/providers/email"
	"github.com/smallbiznis/stripesync/internal/providers/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEmail struct {
	mock.Mock
}

func (m *mockEmail) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return m.Called(ctx, to, subject, htmlBody).Error(0)
}

func (m *mockEmail) SendTemplate(ctx context.Context, to []string, templateName string, data email.TemplateData) error {
	return m.Called(ctx, to, templateName, data).Error(0)
}

type mockSlack struct {
	mock.Mock
}

func (m *mockSlack) Post(ctx context.Context, msg slack.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func TestEmailSink(t *testing.T) {
	provider := &mockEmail{}
	s := NewEmail(provider)

	n := notificationdomain.Notification{
		Kind:      notificationdomain.KindPaymentFailed,
		Audience:  notificationdomain.AudienceUser,
		Recipient: "ada@example.com",
		Subject:   "Payment failed",
		Fields:    map[string]string{"invoice_id": "in_1", "amount": "5000 USD"},
	}
	assert.True(t, s.Accepts(n))
	assert.False(t, s.Accepts(notificationdomain.Notification{Audience: notificationdomain.AudienceUser}))
	assert.False(t, s.Accepts(notificationdomain.Notification{Audience: notificationdomain.AudienceOperator, Recipient: "x"}))

	provider.On("SendTemplate", mock.Anything, []string{"ada@example.com"}, "notification", email.TemplateData{
		Subject: "Payment failed",
		Heading: "Payment failed",
		Rows:    []email.Row{{Label: "amount", Value: "5000 USD"}, {Label: "invoice id", Value: "in_1"}},
	}).Return(nil).Once()

	require.NoError(t, s.Send(context.Background(), n))
	provider.AssertExpectations(t)
}

func TestSlackSink(t *testing.T) {
	provider := &mockSlack{}
	s := NewSlack(provider, "#billing-alerts")

	n := notificationdomain.Notification{
		Kind:     notificationdomain.KindWebhookFailed,
		Audience: notificationdomain.AudienceOperator,
		Subject:  "Webhook processing failed",
		Fields:   map[string]string{"event_id": "evt_1", "attempts": "3"},
	}
	assert.True(t, s.Accepts(n))
	assert.False(t, s.Accepts(notificationdomain.Notification{Audience: notificationdomain.AudienceUser}))

	want := "*Webhook processing failed* `webhook_failed`\n• attempts: 3\n• event_id: evt_1"
	assert.Equal(t, want, FormatSlack(n))

	provider.On("Post", mock.Anything, slack.Message{Channel: "#billing-alerts", Text: want}).Return(nil).Once()
	require.NoError(t, s.Send(context.Background(), n))
	provider.AssertExpectations(t)
}
