// Package alerts raises operator alerts for states that need manual
// reconciliation.
package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/imrishuroy/go-orderwindow/internal/aws"
)

// Alert describes money held or released at the gateway without a matching
// order record.
type Alert struct {
	Code            string
	OrderID         string
	PaymentIntentID string
	IntendedAmount  int64
	Err             error
}

// Alerter delivers critical alerts. Implementations must not fail the caller.
type Alerter interface {
	Critical(ctx context.Context, a Alert)
}

// CloudWatchAlerter logs the alert at ERROR and emits an AuthMismatch metric.
type CloudWatchAlerter struct {
	cw        aws.CloudWatchAPI
	namespace string
	logger    *slog.Logger
	nowFunc   func() time.Time
}

func NewCloudWatchAlerter(cw aws.CloudWatchAPI, namespace string, logger *slog.Logger) *CloudWatchAlerter {
	return &CloudWatchAlerter{
		cw:        cw,
		namespace: namespace,
		logger:    logger.With("component", "alerts"),
		nowFunc:   time.Now,
	}
}

func (a *CloudWatchAlerter) Critical(ctx context.Context, al Alert) {
	a.logger.ErrorContext(ctx, "CRITICAL: manual reconciliation required",
		"code", al.Code,
		"order_id", al.OrderID,
		"payment_intent_id", al.PaymentIntentID,
		"intended_amount", al.IntendedAmount,
		"error", al.Err,
	)
	if a.cw == nil {
		return
	}

	now := a.nowFunc()
	_, err := a.cw.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: &a.namespace,
		MetricData: []cwtypes.MetricDatum{{
			MetricName: awsString("AuthMismatch"),
			Timestamp:  &now,
			Unit:       cwtypes.StandardUnitCount,
			Value:      awsFloat64(1),
			Dimensions: []cwtypes.Dimension{{
				Name:  awsString("Code"),
				Value: awsString(al.Code),
			}},
		}},
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to emit alert metric", "order_id", al.OrderID, "error", err)
	}
}

func awsString(s string) *string    { return &s }
func awsFloat64(f float64) *float64 { return &f }
