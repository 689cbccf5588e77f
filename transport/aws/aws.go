// Package aws provides the SNS/SQS transport. SNS Publish is a synchronous
// API call, so a nil return means the topic accepted the message.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/ackflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

// LocalstackAccountID is assumed when an endpoint override is set and the
// configured account id is missing or malformed.
const LocalstackAccountID = "000000000000"

// ConfigLoader allows overriding the SDK config loader for testing.
var ConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// target is everything the publisher and subscriber need to address SNS.
type target struct {
	sdk       aws.Config
	accountID string
	region    string
	endpoint  *url.URL
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := resolveTarget(ctx, cfg)
	if err != nil {
		return transport.Transport{}, err
	}
	logger.Info("AWS target resolved", watermill.LogFields{
		"region":          t.region,
		"account_id":      t.accountID,
		"custom_endpoint": t.endpoint != nil,
	})

	resolver, err := TopicResolverFactory(t.accountID, t.region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("ackflow: sns topic resolver: %w", err)
	}

	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     t.sdk,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
		OptFns:        t.snsOptions(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            t.sdk,
			OptFns:               t.snsOptions(),
			TopicResolver:        resolver,
			GenerateSqsQueueName: queueNameFromTopic,
		},
		sqs.SubscriberConfig{
			AWSConfig: t.sdk,
			OptFns:    t.sqsOptions(),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

func resolveTarget(ctx context.Context, cfg transport.Config) (target, error) {
	var opts []func(*awsconfig.LoadOptions) error
	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(key, secret)))
	}

	sdk, err := ConfigLoader(ctx, opts...)
	if err != nil {
		return target{}, fmt.Errorf("ackflow: load aws config: %w", err)
	}
	if region != "" {
		sdk.Region = region
	}

	t := target{sdk: sdk, region: sdk.Region}
	if raw := cfg.GetAWSEndpoint(); raw != "" {
		t.endpoint, err = url.Parse(raw)
		if err != nil {
			return target{}, fmt.Errorf("ackflow: parse aws endpoint: %w", err)
		}
		t.sdk.BaseEndpoint = aws.String(t.endpoint.String())
	}
	t.accountID = accountID(cfg.GetAWSAccountID(), t.endpoint != nil)
	return t, nil
}

func accountID(configured string, local bool) string {
	id := strings.Trim(configured, "\"' ")
	if local && len(id) != 12 {
		return LocalstackAccountID
	}
	return id
}

func (t target) snsOptions() []func(*amazonsns.Options) {
	if t.endpoint == nil {
		return nil
	}
	return []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *t.endpoint},
		}),
	}
}

func (t target) sqsOptions() []func(*amazonsqs.Options) {
	if t.endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *t.endpoint},
		}),
	}
}

func queueNameFromTopic(_ context.Context, arn sns.TopicArn) (string, error) {
	topic, err := sns.ExtractTopicNameFromTopicArn(arn)
	if err != nil {
		return "", err
	}
	return string(topic), nil
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			Source:          "ackflow-config",
		}, nil
	})
}
