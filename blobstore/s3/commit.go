package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrConcurrentCommit is returned when another writer committed the same
// version first.
var ErrConcurrentCommit = errors.New("concurrent manifest commit detected")

// DDBClient is the subset of the DynamoDB API the commit log uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitLog publishes manifest versions atomically. S3 has no
// compare-and-swap, so the pointer to the current manifest lives in a
// DynamoDB table with a conditional write per version.
//
// Table schema:
//   - Partition key: base_uri (string), the engine's storage prefix
//   - Sort key: version (number), monotonically increasing
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name embedbag-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type CommitLog struct {
	client    DDBClient
	tableName string
	baseURI   string
}

// NewCommitLog creates a commit log for one engine prefix. baseURI should
// be the "s3://bucket/prefix" the blobs live under; it only serves as the
// partition key.
func NewCommitLog(client DDBClient, tableName, baseURI string) *CommitLog {
	return &CommitLog{
		client:    client,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Commit records manifestName as the given version. The conditional write
// fails with ErrConcurrentCommit when that version already exists.
func (c *CommitLog) Commit(ctx context.Context, version int64, manifestName string) error {
	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: c.baseURI},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
			"manifest": &types.AttributeValueMemberS{Value: manifestName},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return fmt.Errorf("%w: version %d", ErrConcurrentCommit, version)
		}
		return err
	}
	return nil
}

// Current returns the latest committed version and its manifest name.
// version 0 with an empty name means nothing was committed yet.
func (c *CommitLog) Current(ctx context.Context) (int64, string, error) {
	out, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("base_uri = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{Value: c.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", err
	}
	if len(out.Items) == 0 {
		return 0, "", nil
	}

	vAttr, ok := out.Items[0]["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", fmt.Errorf("commit log: malformed version attribute")
	}
	version, err := strconv.ParseInt(vAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("commit log: parse version: %w", err)
	}
	mAttr, ok := out.Items[0]["manifest"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", fmt.Errorf("commit log: malformed manifest attribute")
	}
	return version, mAttr.Value, nil
}
