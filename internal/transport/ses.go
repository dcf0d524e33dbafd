package transport

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

	"github.com/fitpulse/campaign-engine/internal/pkg/logger"
)

// SESTransport sends through AWS SES using the SDK v2.
type SESTransport struct {
	client *sesv2.Client
}

// NewSESTransport builds the SES client from static credentials.
func NewSESTransport(accessKey, secretKey, region string) (*SESTransport, error) {
	if region == "" {
		region = "us-east-1"
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("SES credentials not configured")
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize AWS config: %w", err)
	}

	return &SESTransport{client: sesv2.NewFromConfig(cfg)}, nil
}

func (s *SESTransport) Name() string { return "ses" }

// Send delivers a single email through AWS SES.
func (s *SESTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID.String())},
			{Name: aws.String("enrollment_id"), Value: aws.String(msg.EnrollmentID.String())},
			{Name: aws.String("step_id"), Value: aws.String(msg.StepID)},
		},
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		log.Printf("[SES] Failed to send to %s: %v", logger.RedactEmail(msg.To), err)
		return nil, classify(err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)

	return &Result{ProviderMessageID: messageID, State: StateSent}, nil
}

// classify maps SES errors onto the retry taxonomy. Throttling and internal
// failures are worth retrying; rejections and account-level stops are not.
func classify(err error) error {
	var (
		rejected  *types.MessageRejected
		badReq    *types.BadRequestException
		suspended *types.AccountSuspendedException
		paused    *types.SendingPausedException
		notFound  *types.NotFoundException
		tooMany   *types.TooManyRequestsException
		limit     *types.LimitExceededException
	)
	switch {
	case errors.As(err, &rejected),
		errors.As(err, &badReq),
		errors.As(err, &suspended),
		errors.As(err, &paused),
		errors.As(err, &notFound):
		return &PermanentError{Err: err}
	case errors.As(err, &tooMany), errors.As(err, &limit):
		return &TransientError{Err: err}
	default:
		return &TransientError{Err: err}
	}
}
