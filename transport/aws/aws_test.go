package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/taskflow/transport"
	"github.com/drblury/taskflow/transport/transporttest"
)

type captured struct {
	account, region string
	pub             sns.PublisherConfig
	sub             sns.SubscriberConfig
	sqs             sqs.SubscriberConfig
}

func stubAWS(t *testing.T, loadErr, pubErr, subErr error) (*captured, *transporttest.Publisher) {
	t.Helper()
	savedLoader, savedResolver := DefaultConfigLoader, TopicResolverFactory
	savedPub, savedSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader, TopicResolverFactory = savedLoader, savedResolver
		PublisherFactory, SubscriberFactory = savedPub, savedSub
	})

	c := &captured{}
	pub := &transporttest.Publisher{}
	DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		if loadErr != nil {
			return aws.Config{}, loadErr
		}
		return aws.Config{Region: "eu-west-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		c.account, c.region = accountID, region
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		c.pub = cfg
		if pubErr != nil {
			return nil, pubErr
		}
		return pub, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		c.sub, c.sqs = cfg, sqsCfg
		if subErr != nil {
			return nil, subErr
		}
		return &transporttest.Subscriber{}, nil
	}
	return c, pub
}

func TestRegister(t *testing.T) {
	saved := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = saved }()
	transport.DefaultRegistry = transport.NewRegistry()

	Register()
	caps := transport.GetCapabilities(TransportName)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.False(t, caps.Fits(300<<10))
}

func TestBuild(t *testing.T) {
	c, pub := stubAWS(t, nil, nil, nil)

	tr, err := Build(context.Background(), &transporttest.Config{
		AWSRegion:    "us-east-1",
		AWSAccountID: "123456789012",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)

	assert.Equal(t, "123456789012", c.account)
	assert.Equal(t, "us-east-1", c.region)
	assert.Equal(t, "us-east-1", c.pub.AWSConfig.Region)
	assert.Empty(t, c.pub.OptFns)
	assert.Empty(t, c.sqs.OptFns)
}

func TestBuildLocalstack(t *testing.T) {
	c, _ := stubAWS(t, nil, nil, nil)

	_, err := Build(context.Background(), &transporttest.Config{AWSEndpoint: "http://localhost:4566"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, localstackAccountID, c.account)
	assert.Equal(t, "eu-west-1", c.region, "falls back to the loaded region")
	assert.Len(t, c.pub.OptFns, 1)
	assert.Len(t, c.sub.OptFns, 1)
	assert.Len(t, c.sqs.OptFns, 1)
}

func TestBuildErrors(t *testing.T) {
	cfg := &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}

	stubAWS(t, errors.New("no credentials"), nil, nil)
	_, err := Build(context.Background(), cfg, watermill.NopLogger{})
	assert.ErrorContains(t, err, "no credentials")

	stubAWS(t, nil, errors.New("publisher error"), nil)
	_, err = Build(context.Background(), cfg, watermill.NopLogger{})
	assert.ErrorContains(t, err, "publisher error")

	_, pub := stubAWS(t, nil, nil, errors.New("subscriber error"))
	_, err = Build(context.Background(), cfg, watermill.NopLogger{})
	assert.ErrorContains(t, err, "subscriber error")
	assert.True(t, pub.Closed)

	stubAWS(t, nil, nil, nil)
	_, err = Build(context.Background(), &transporttest.Config{AWSEndpoint: "://bad"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "parse aws endpoint")
}

func TestResolveAccountAndRegion(t *testing.T) {
	account, region := resolveAccountAndRegion(&transporttest.Config{AWSAccountID: `"123456789012"`}, false, "us-east-1")
	assert.Equal(t, "123456789012", account)
	assert.Equal(t, "us-east-1", region)

	account, _ = resolveAccountAndRegion(&transporttest.Config{AWSAccountID: "42"}, true, "")
	assert.Equal(t, localstackAccountID, account)

	account, _ = resolveAccountAndRegion(&transporttest.Config{AWSAccountID: "42"}, false, "")
	assert.Equal(t, "42", account)
}
