package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestSubject(t *testing.T) {
	cases := []struct {
		status string
		want   string
	}{
		{"completed", SubjectCompleted},
		{"failed", SubjectFailed},
	}
	for _, tc := range cases {
		if got := Subject(Settlement{Status: tc.status}); got != tc.want {
			t.Fatalf("status %s: got %s want %s", tc.status, got, tc.want)
		}
	}
}

func TestNatsPublisherIntegration(t *testing.T) {
	url := os.Getenv("DISPATCH_NATS_URL_INTEGRATION")
	if url == "" {
		t.Skip("set DISPATCH_NATS_URL_INTEGRATION to run NATS integration tests")
	}
	pub, err := NewNatsPublisher(url, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer pub.Close()

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	ch := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe(SubjectCompleted, ch); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := pub.PublishSettlement(context.Background(), Settlement{TenantID: "t1", JobID: "j1", Status: "completed"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		var got Settlement
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.JobID != "j1" {
			t.Fatalf("unexpected settlement %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for settlement event")
	}
}
