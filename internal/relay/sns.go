package relay

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SubscriptionConfirmer confirms SNS topic subscriptions. *sns.Client
// satisfies it.
type SubscriptionConfirmer interface {
	ConfirmSubscription(ctx context.Context, params *sns.ConfirmSubscriptionInput, optFns ...func(*sns.Options)) (*sns.ConfirmSubscriptionOutput, error)
}

// SNSConfig selects the region and credentials for the SNS client. With
// empty keys the default credential chain is used.
type SNSConfig struct {
	Region    string
	AccessKey string
	SecretKey string
}

// NewSNSClient builds an SNS client for subscription confirmation.
func NewSNSClient(ctx context.Context, cfg SNSConfig) (*sns.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return sns.NewFromConfig(awsCfg), nil
}

func confirmInput(topicArn, token string) *sns.ConfirmSubscriptionInput {
	return &sns.ConfirmSubscriptionInput{
		TopicArn: aws.String(topicArn),
		Token:    aws.String(token),
	}
}
