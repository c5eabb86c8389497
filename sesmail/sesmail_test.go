package sesmail

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
)

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil
}

func TestSendBuildsSimpleMessage(t *testing.T) {
	fake := &fakeSES{}
	s := &Sender{client: fake, ConfigurationSet: "transactional"}

	if err := s.Send(context.Background(), "noreply@example.com", "a@example.com", "Hi", "Body"); err != nil {
		t.Fatalf("send: %v", err)
	}
	in := fake.in
	if aws.ToString(in.FromEmailAddress) != "noreply@example.com" {
		t.Fatalf("unexpected from %q", aws.ToString(in.FromEmailAddress))
	}
	if len(in.Destination.ToAddresses) != 1 || in.Destination.ToAddresses[0] != "a@example.com" {
		t.Fatalf("unexpected destination %v", in.Destination.ToAddresses)
	}
	if aws.ToString(in.Content.Simple.Subject.Data) != "Hi" || aws.ToString(in.Content.Simple.Body.Text.Data) != "Body" {
		t.Fatalf("unexpected content")
	}
	if aws.ToString(in.ConfigurationSetName) != "transactional" {
		t.Fatalf("unexpected configuration set %q", aws.ToString(in.ConfigurationSetName))
	}
}

func TestSendWrapsError(t *testing.T) {
	boom := errors.New("throttled")
	s := &Sender{client: &fakeSES{err: boom}}
	if err := s.Send(context.Background(), "f", "t", "s", "b"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
