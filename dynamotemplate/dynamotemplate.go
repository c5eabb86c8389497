// Package dynamotemplate resolves notification templates from a DynamoDB table
// keyed by template_key (CHANNEL#TYPE) and language.
package dynamotemplate

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/sky93/notifyflow/emailtask"
)

type getItemAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type Repository struct {
	db    getItemAPI
	table string
}

type itemKey struct {
	TemplateKey string `dynamodbav:"template_key"`
	Language    string `dynamodbav:"language"`
}

// New builds a repository; endpoint overrides the service URL for local DynamoDB.
func New(cfg aws.Config, table, endpoint string) *Repository {
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Repository{db: client, table: table}
}

// TemplateKey is the partition key value for channel and type.
func TemplateKey(channel, notificationType string) string {
	return strings.ToUpper(channel) + "#" + strings.ToUpper(notificationType)
}

func (r *Repository) FindOneBy(ctx context.Context, channel, notificationType, language string) (emailtask.Template, bool, error) {
	key, err := attributevalue.MarshalMap(itemKey{
		TemplateKey: TemplateKey(channel, notificationType),
		Language:    strings.ToLower(language),
	})
	if err != nil {
		return emailtask.Template{}, false, err
	}
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return emailtask.Template{}, false, fmt.Errorf("get template %s/%s/%s: %w", channel, notificationType, language, err)
	}
	if len(out.Item) == 0 {
		return emailtask.Template{}, false, nil
	}
	var tpl emailtask.Template
	if err := attributevalue.UnmarshalMap(out.Item, &tpl); err != nil {
		return emailtask.Template{}, false, fmt.Errorf("decode template %s/%s/%s: %w", channel, notificationType, language, err)
	}
	return tpl, true, nil
}
