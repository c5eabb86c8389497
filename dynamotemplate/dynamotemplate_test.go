package dynamotemplate

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type fakeTable struct {
	items map[string]map[string]types.AttributeValue
	in    *dynamodb.GetItemInput
	err   error
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	pk := in.Key["template_key"].(*types.AttributeValueMemberS).Value
	lang := in.Key["language"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[pk+"|"+lang]}, nil
}

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func TestFindOneBy(t *testing.T) {
	table := &fakeTable{items: map[string]map[string]types.AttributeValue{
		"EMAIL#WELCOME|en": {
			"template_key":      s("EMAIL#WELCOME"),
			"channel":           s("EMAIL"),
			"notification_type": s("WELCOME"),
			"language":          s("en"),
			"subject":           s("Welcome {name}"),
			"body":              s("Hello {name}"),
		},
	}}
	repo := &Repository{db: table, table: "templates"}

	tpl, ok, err := repo.FindOneBy(context.Background(), "email", "welcome", "EN")
	if err != nil || !ok {
		t.Fatalf("expected template, ok=%v err=%v", ok, err)
	}
	if tpl.Subject != "Welcome {name}" || tpl.Type != "WELCOME" || tpl.Language != "en" {
		t.Fatalf("unexpected template %+v", tpl)
	}
	if aws.ToString(table.in.TableName) != "templates" {
		t.Fatalf("unexpected table %q", aws.ToString(table.in.TableName))
	}

	if _, ok, err := repo.FindOneBy(context.Background(), "EMAIL", "WELCOME", "fr"); err != nil || ok {
		t.Fatalf("expected not found, ok=%v err=%v", ok, err)
	}
}

func TestFindOneByPropagatesError(t *testing.T) {
	boom := errors.New("ProvisionedThroughputExceeded")
	repo := &Repository{db: &fakeTable{err: boom}, table: "templates"}
	if _, _, err := repo.FindOneBy(context.Background(), "EMAIL", "WELCOME", "en"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
