package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"liqflow/logger"
)

type cloudWatchState struct {
	client    *cloudwatch.Client
	namespace string
}

var cwState atomic.Pointer[cloudWatchState]

// InitCloudWatch initialises the CloudWatch client. When the client cannot be
// created the function logs a warning and leaves publishing disabled.
func InitCloudWatch(region, namespace string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if namespace == "" {
		namespace = "Liqflow"
	}

	ctx := context.Background()
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwState.Store(&cloudWatchState{
		client:    cloudwatch.NewFromConfig(cfg),
		namespace: namespace,
	})
	log.WithFields(logger.Fields{"namespace": namespace, "region": region}).Info("cloudwatch metrics enabled")
}

// PublishEventMetric ships one event count datum to CloudWatch. Publishing is
// best effort; failures are logged and dropped.
func PublishEventMetric(name, exchange, severity string, value float64) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(value),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("exchange"), Value: aws.String(exchange)},
			{Name: aws.String("severity"), Value: aws.String(severity)},
		},
	}

	// Fire and forget so callers on the event hot path never block on AWS.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(state.namespace),
			MetricData: []cwtypes.MetricDatum{datum},
		})
		if err != nil {
			logger.GetLogger().WithComponent("cloudwatch").WithError(err).Debug("failed to publish metric")
		}
	}()
}
