package dynamodb

import (
	"os"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// NewClientFromConfig returns a DynamoDB client. AWS_DYNAMODB_ENDPOINT points only this
// client at DynamoDB Local without moving the other AWS clients off the shared endpoint.
func NewClientFromConfig(cfg sdkaws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint := Endpoint(); endpoint != "" {
			o.BaseEndpoint = sdkaws.String(endpoint)
		}
	})
}

// Endpoint returns the DynamoDB-specific endpoint override, if any.
func Endpoint() string {
	return os.Getenv("AWS_DYNAMODB_ENDPOINT")
}
