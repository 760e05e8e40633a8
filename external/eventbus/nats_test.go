package eventbus

import (
	"context"
	"testing"
)

func TestNopPublisher(t *testing.T) {
	if err := (NopPublisher{}).Publish(context.Background(), "pokerpoints.session.created", map[string]string{"id": "s1"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestNATSPublisher_NilConnection(t *testing.T) {
	var p *NATSPublisher
	if err := p.Publish(context.Background(), "pokerpoints.session.created", nil); err == nil {
		t.Fatal("expected error for nil publisher")
	}
	p.Close()
}
