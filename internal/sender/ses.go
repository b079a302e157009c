package sender

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/dispatch/internal/pkg/logger"
)

// SESSender delivers mail through AWS SES using the SDK v2.
type SESSender struct {
	region string
	client *sesv2.Client
}

// NewSESSender creates an SES sender from static credentials.
func NewSESSender(accessKey, secretKey, region string) (*SESSender, error) {
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	return &SESSender{region: region, client: sesv2.NewFromConfig(cfg)}, nil
}

// Send delivers one email through SES and maps provider failures onto the
// engine's error classes.
func (s *SESSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if s.client == nil {
		return nil, Errorf(ErrTransient, "ses client not initialized")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
		},
	}
	if msg.TextBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		log.Printf("[SES] send to %s failed: %v", logger.RedactEmail(msg.Email), err)
		return nil, classifySESError(err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return &Result{MessageID: messageID}, nil
}

// classifySESError maps SES API errors onto retry classes. Rejections of
// the message or recipient are permanent; quota and throughput pushback is
// throttled; everything else (network, 5xx) is transient.
func classifySESError(err error) *SendError {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return NewError(ErrInvalidRecipient, err)
	}

	var suspended *types.AccountSuspendedException
	if errors.As(err, &suspended) {
		return NewError(ErrPermanent, err)
	}
	var paused *types.SendingPausedException
	if errors.As(err, &paused) {
		return NewError(ErrPermanent, err)
	}
	var notVerified *types.MailFromDomainNotVerifiedException
	if errors.As(err, &notVerified) {
		return NewError(ErrPermanent, err)
	}

	var tooMany *types.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return NewError(ErrThrottled, err)
	}
	var limit *types.LimitExceededException
	if errors.As(err, &limit) {
		return NewError(ErrThrottled, err)
	}

	var bad *types.BadRequestException
	if errors.As(err, &bad) {
		return NewError(ErrPermanent, err)
	}

	return NewError(ErrTransient, err)
}

// Region returns the configured AWS region.
func (s *SESSender) Region() string { return s.region }

var _ Sender = (*SESSender)(nil)
