package metrics

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const (
	namespace                = "DEFORA/Relay"
	cloudwatchTimeoutSeconds = 5
)

// Recorder receives pipeline counters. Implementations must not block.
type Recorder interface {
	RecordRelayDropped(queue string, count int)
	RecordMediatorWrite(success bool)
	RecordMediatorReconnect()
}

// Nop is a Recorder that discards everything
type Nop struct{}

func (Nop) RecordRelayDropped(string, int) {}
func (Nop) RecordMediatorWrite(bool)       {}
func (Nop) RecordMediatorReconnect()       {}

type metricPutter interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Client wraps CloudWatch client for custom metrics
type Client struct {
	client      metricPutter
	enabled     bool
	environment string
}

// NewClient creates a new CloudWatch metrics client
func NewClient(ctx context.Context, environment string) (*Client, error) {
	// Only enable in production
	if environment != "production" {
		log.Printf("📊 CloudWatch Metrics: DISABLED (environment: %s)", environment)
		return &Client{
			enabled:     false,
			environment: environment,
		}, nil
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Printf("⚠️  Failed to load AWS config for CloudWatch: %v", err)
		return &Client{enabled: false}, nil
	}

	client := cloudwatch.NewFromConfig(cfg)
	log.Printf("📊 CloudWatch Metrics: ✅ ENABLED (namespace: %s)", namespace)

	return &Client{
		client:      client,
		enabled:     true,
		environment: environment,
	}, nil
}

// RecordRelayDropped records envelopes discarded by a full relay buffer
func (m *Client) RecordRelayDropped(queue string, count int) {
	if !m.enabled || count <= 0 {
		return
	}

	go func() {
		dimensions := []types.Dimension{
			{Name: aws.String("Queue"), Value: aws.String(queue)},
			{Name: aws.String("Environment"), Value: aws.String(m.environment)},
		}
		if err := m.putMetric(context.Background(), "RelayDropped", float64(count), types.StandardUnitCount, dimensions); err != nil {
			log.Printf("Failed to record RelayDropped metric: %v", err)
		}
	}()
}

// RecordMediatorWrite records one mediator write outcome
func (m *Client) RecordMediatorWrite(success bool) {
	if !m.enabled {
		return
	}

	go func() {
		dimensions := []types.Dimension{
			{Name: aws.String("Success"), Value: aws.String(boolToString(success))},
			{Name: aws.String("Environment"), Value: aws.String(m.environment)},
		}
		if err := m.putMetric(context.Background(), "MediatorWrites", 1, types.StandardUnitCount, dimensions); err != nil {
			log.Printf("Failed to record MediatorWrites metric: %v", err)
		}
	}()
}

// RecordMediatorReconnect records a successful mediator (re)connect
func (m *Client) RecordMediatorReconnect() {
	if !m.enabled {
		return
	}

	go func() {
		dimensions := []types.Dimension{
			{Name: aws.String("Environment"), Value: aws.String(m.environment)},
		}
		if err := m.putMetric(context.Background(), "MediatorReconnects", 1, types.StandardUnitCount, dimensions); err != nil {
			log.Printf("Failed to record MediatorReconnects metric: %v", err)
		}
	}()
}

// putMetric sends a metric to CloudWatch
func (m *Client) putMetric(
	_ context.Context,
	metricName string,
	value float64,
	unit types.StandardUnit,
	dimensions []types.Dimension,
) error {
	if !m.enabled || m.client == nil {
		return nil
	}

	timeout := time.Duration(cloudwatchTimeoutSeconds) * time.Second
	cwCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := m.client.PutMetricData(cwCtx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String(metricName),
				Value:      aws.Float64(value),
				Unit:       unit,
				Timestamp:  aws.Time(time.Now()),
				Dimensions: dimensions,
			},
		},
	})

	return err
}

func boolToString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
