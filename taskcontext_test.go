package notifyflow_test

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sky93/notifyflow"
)

func TestTaskContextRoundTrip(t *testing.T) {
	notFound := notifyflow.FailureType("NOT_FOUND")
	withFailures := notifyflow.NewTaskContext(echoInput{Text: "hi"})
	withFailures.AddFailure(now, notFound, "missing template")
	withFailures.AddFailure(now.Add(time.Hour), "SENDER", "")

	failed := withFailures
	failed.Output = &notifyflow.Output{CorrelationID: "ext-1", Status: notifyflow.OutputFailed, FailureType: &notFound}

	succeeded := notifyflow.NewTaskContext(echoInput{Text: "hi"})
	succeeded.Output = &notifyflow.Output{CorrelationID: "ext-1", Status: notifyflow.OutputSuccessful}

	cases := map[string]notifyflow.TaskContext[echoInput]{
		"fresh":     notifyflow.NewTaskContext(echoInput{Text: "hi"}),
		"failures":  withFailures,
		"failed":    failed,
		"succeeded": succeeded,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			raw, err := in.Encode()
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			out, err := notifyflow.DecodeTaskContext[echoInput](raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(in, out) {
				t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
			}
		})
	}
}

func TestEncodeShape(t *testing.T) {
	var tc notifyflow.TaskContext[echoInput]
	raw, err := tc.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"input":{"text":""},"failures":[]}` {
		t.Fatalf("unexpected document: %s", raw)
	}

	tc.AddFailure(now, "SENDER", "")
	raw, _ = tc.Encode()
	if strings.Contains(string(raw), `"message"`) {
		t.Fatalf("empty failure message should be omitted: %s", raw)
	}
}

func TestDecodeRejectsBadDocuments(t *testing.T) {
	for _, raw := range []string{"", "not json", `{"input":"text"}`, `null`, `{}`, `{"failures":[]}`, `{"input":null,"failures":[]}`} {
		if _, err := notifyflow.DecodeTaskContext[echoInput](json.RawMessage(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestFirstFailureType(t *testing.T) {
	tc := notifyflow.NewTaskContext(echoInput{})
	if _, ok := tc.FirstFailureType(); ok {
		t.Fatalf("fresh context has no failures")
	}
	tc.AddFailure(now, "A", "")
	tc.AddFailure(now, "B", "")
	if ft, _ := tc.FirstFailureType(); ft != "A" {
		t.Fatalf("expected A, got %s", ft)
	}
}

func TestExtractOutput(t *testing.T) {
	done := newTask("t1", "ext-1", echoType, notifyflow.TaskCompleted, `{"input":{"text":"hi"},"failures":[],"output":{"correlationId":"ext-1","status":"SUCCESSFUL"}}`)
	b, err := notifyflow.ExtractOutput(done)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if string(b) != `{"correlationId":"ext-1","status":"SUCCESSFUL"}` {
		t.Fatalf("unexpected output: %s", b)
	}

	if _, err := notifyflow.ExtractOutput(newTask("t2", "ext-2", echoType, notifyflow.TaskCompleted, pendingContext)); err == nil {
		t.Fatalf("expected error for missing output")
	}
	if _, err := notifyflow.ExtractOutput(newTask("t3", "ext-3", orphanType, notifyflow.TaskCompleted, pendingContext)); err == nil {
		t.Fatalf("expected error for unregistered type")
	}
}

func TestRegisteredTypes(t *testing.T) {
	if !notifyflow.IsRegistered(echoType) || notifyflow.IsRegistered(orphanType) {
		t.Fatalf("unexpected registry state")
	}
	found := false
	for _, typ := range notifyflow.RegisteredTypes() {
		if typ == echoType {
			found = true
		}
	}
	if !found {
		t.Fatalf("%s missing from registered types", echoType)
	}
}
