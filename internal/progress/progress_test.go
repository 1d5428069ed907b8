package progress

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"ChainPilot/internal/agent"
)

type recorder struct {
	keys []string
}

func (r *recorder) Publish(_ context.Context, agentKey string, _ agent.ProgressUpdate) {
	r.keys = append(r.keys, agentKey)
}

func sampleUpdate() agent.ProgressUpdate {
	return agent.ProgressUpdate{
		AgentID: "agent-1",
		RunID:   "run-1",
		Stage:   agent.StageAnalyzing,
		Message: "调用模型",
		At:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEncodeCarriesAgentKey(t *testing.T) {
	payload, err := Encode("user-1:market", sampleUpdate())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.AgentKey != "user-1:market" || msg.Update.Stage != agent.StageAnalyzing || !msg.Update.At.Equal(sampleUpdate().At) {
		t.Fatalf("unexpected message %+v", msg)
	}
	if _, err := Decode([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestLogPublisherWritesStage(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	NewLogPublisher(l).Publish(context.Background(), "user-1:yield", sampleUpdate())

	out := buf.String()
	if !strings.Contains(out, "stage=analyzing") || !strings.Contains(out, "agent=user-1:yield") {
		t.Fatalf("unexpected log output %q", out)
	}
}

func TestFanoutSkipsNil(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Fanout{a, nil, b}.Publish(context.Background(), "k", sampleUpdate())
	if len(a.keys) != 1 || len(b.keys) != 1 {
		t.Fatalf("expected both publishers to receive update: %v %v", a.keys, b.keys)
	}
}

func TestPublishContextSurvivesCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()
	ctx, done := publishContext(parent, time.Second)
	defer done()
	if ctx.Err() != nil {
		t.Fatalf("publish context should not inherit cancellation")
	}
	if _, ok := ctx.Deadline(); !ok {
		t.Fatalf("publish context should carry a deadline")
	}
}

func TestRedisPublisher(t *testing.T) {
	addr := os.Getenv("CHAINPILOT_TEST_REDIS")
	if addr == "" {
		t.Skip("CHAINPILOT_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub, err := NewRedisPublisher(ctx, RedisConfig{Address: addr, Channel: "chainpilot-test:progress"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = pub.Close() })

	sub := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = sub.Close() })
	ps := sub.PSubscribe(ctx, "chainpilot-test:progress:*")
	t.Cleanup(func() { _ = ps.Close() })
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub.Publish(ctx, "user-1:market", sampleUpdate())
	msg, err := ps.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Channel != "chainpilot-test:progress:user-1:market" {
		t.Fatalf("unexpected channel %s", msg.Channel)
	}
	decoded, err := Decode([]byte(msg.Payload))
	if err != nil || decoded.Update.RunID != "run-1" {
		t.Fatalf("unexpected payload %q: %v", msg.Payload, err)
	}
}
