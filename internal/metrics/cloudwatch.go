package metrics

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	appconfig "ingestflow/config"
	"ingestflow/logger"
)

// PutMetricData accepts at most 1000 datums per request.
const maxDatumsPerRequest = 1000

type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch periodically publishes a registry snapshot with PutMetricData.
type CloudWatch struct {
	client    cloudWatchAPI
	namespace string
	interval  time.Duration
	registry  *Registry
	log       *logger.Entry
}

// NewCloudWatch loads the default AWS configuration for cfg.Region.
func NewCloudWatch(ctx context.Context, cfg appconfig.CloudWatchConfig, reg *Registry) (*CloudWatch, error) {
	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	cw := newCloudWatch(cloudwatch.NewFromConfig(awsCfg), cfg, reg)
	cw.log.WithFields(logger.Fields{
		"region":    awsCfg.Region,
		"namespace": cw.namespace,
	}).Info("initialized CloudWatch client")
	return cw, nil
}

func newCloudWatch(client cloudWatchAPI, cfg appconfig.CloudWatchConfig, reg *Registry) *CloudWatch {
	ns := cfg.Namespace
	if ns == "" {
		ns = "IngestFlow"
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &CloudWatch{
		client:    client,
		namespace: ns,
		interval:  interval,
		registry:  reg,
		log:       logger.GetLogger().WithComponent("cloudwatch"),
	}
}

// Run publishes every interval until ctx is done.
func (c *CloudWatch) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Publish(ctx); err != nil {
				c.log.WithError(err).Warn("failed to publish CloudWatch metrics")
			}
		}
	}
}

// Publish sends the current snapshot plus host statistics.
func (c *CloudWatch) Publish(ctx context.Context) error {
	samples, err := c.registry.Snapshot()
	if err != nil {
		return err
	}
	data := datums(samples, ReadSystemStats(), time.Now())
	for start := 0; start < len(data); start += maxDatumsPerRequest {
		end := start + maxDatumsPerRequest
		if end > len(data) {
			end = len(data)
		}
		if _, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: data[start:end],
		}); err != nil {
			return err
		}
	}
	c.log.WithFields(logger.Fields{"datums": len(data)}).Debug("published metrics to CloudWatch")
	return nil
}

func datums(samples []Sample, sys SystemStats, at time.Time) []cwtypes.MetricDatum {
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(sys.CPUPercent), Timestamp: aws.Time(at)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(sys.MemoryMB), Timestamp: aws.Time(at)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(sys.Goroutines)), Timestamp: aws.Time(at)},
	}
	for _, s := range samples {
		names := make([]string, 0, len(s.Labels))
		for k := range s.Labels {
			names = append(names, k)
		}
		sort.Strings(names)
		dims := make([]cwtypes.Dimension, 0, len(names))
		for _, k := range names {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s.Labels[k])})
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(strings.TrimPrefix(s.Name, namespace+"_")),
			Dimensions: dims,
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(s.Value),
			Timestamp:  aws.Time(at),
		})
	}
	return data
}
