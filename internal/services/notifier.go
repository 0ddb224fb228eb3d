package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// BreachAlert describes a refresh token reuse that revoked a user's sessions.
type BreachAlert struct {
	UserID     string
	SessionID  string
	Trigger    string
	Revoked    int64
	IPAddress  string
	UserAgent  string
	DetectedAt time.Time
}

// BreachNotifier tells a human that credentials were probably stolen.
type BreachNotifier interface {
	NotifyBreach(ctx context.Context, alert BreachAlert) error
}

// LogNotifier only records the alert. It is used when e-mail is disabled.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyBreach(ctx context.Context, alert BreachAlert) error {
	n.logger.LogAttrs(ctx, slog.LevelWarn, "breach alert not sent: e-mail disabled",
		slog.String("user_id", alert.UserID),
		slog.String("trigger", alert.Trigger),
		slog.Int64("revoked_tokens", alert.Revoked),
	)
	return nil
}

// sesSender is the subset of *ses.Client used here.
type sesSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESAlertNotifier mails breach alerts to the security team through AWS SES.
type SESAlertNotifier struct {
	client      sesSender
	fromAddress string
	recipients  []string
	logger      *slog.Logger
}

// NewSESAlertNotifier loads AWS credentials from the default chain.
func NewSESAlertNotifier(ctx context.Context, region, fromAddress string, recipients []string, logger *slog.Logger) (*SESAlertNotifier, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no breach alert recipients configured")
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newSESAlertNotifier(ses.NewFromConfig(cfg), fromAddress, recipients, logger), nil
}

func newSESAlertNotifier(client sesSender, fromAddress string, recipients []string, logger *slog.Logger) *SESAlertNotifier {
	return &SESAlertNotifier{
		client:      client,
		fromAddress: fromAddress,
		recipients:  recipients,
		logger:      logger,
	}
}

func (n *SESAlertNotifier) NotifyBreach(ctx context.Context, alert BreachAlert) error {
	var body strings.Builder
	fmt.Fprintf(&body, "Refresh token reuse was detected and the user's sessions were revoked.\n\n")
	fmt.Fprintf(&body, "User ID:        %s\n", alert.UserID)
	if alert.SessionID != "" {
		fmt.Fprintf(&body, "Session ID:     %s\n", alert.SessionID)
	}
	fmt.Fprintf(&body, "Trigger:        %s\n", alert.Trigger)
	fmt.Fprintf(&body, "Tokens revoked: %d\n", alert.Revoked)
	fmt.Fprintf(&body, "Client IP:      %s\n", alert.IPAddress)
	fmt.Fprintf(&body, "User agent:     %s\n", alert.UserAgent)
	fmt.Fprintf(&body, "Detected at:    %s\n", alert.DetectedAt.UTC().Format(time.RFC3339))

	input := &ses.SendEmailInput{
		Source: aws.String(n.fromAddress),
		Destination: &types.Destination{
			ToAddresses: n.recipients,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String("[visaportal] Refresh token reuse detected"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(body.String()),
				},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		n.logger.Error("failed to send breach alert via SES",
			slog.String("user_id", alert.UserID),
			slog.Any("error", err))
		return fmt.Errorf("failed to send breach alert: %w", err)
	}

	n.logger.Info("breach alert sent",
		slog.String("user_id", alert.UserID),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}
