package aws

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func TestIsConditionFailed(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"conditional put", &types.ConditionalCheckFailedException{}, true},
		{"wrapped conditional put", fmt.Errorf("put: %w", &types.ConditionalCheckFailedException{}), true},
		{"transaction without reasons", &types.TransactionCanceledException{}, true},
		{"transaction with condition reason", &types.TransactionCanceledException{
			CancellationReasons: []types.CancellationReason{{Code: awsString("None")}, {Code: awsString("ConditionalCheckFailed")}},
		}, true},
		{"transaction conflict", &types.TransactionCanceledException{
			CancellationReasons: []types.CancellationReason{{Code: awsString("TransactionConflict")}},
		}, false},
		{"throttled", &types.ProvisionedThroughputExceededException{}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsConditionFailed(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
