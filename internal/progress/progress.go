// Package progress publishes live cycle updates to UI consumers. Publishing is
// fire-and-forget: failures are logged and never reach the cycle runner.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"ChainPilot/internal/agent"
	"ChainPilot/pkg/logger"
)

// defaultPublishTimeout 限制单次推送的耗时，避免阻塞周期。
const defaultPublishTimeout = 2 * time.Second

// Message 是写入外部通道的消息体。
type Message struct {
	AgentKey string               `json:"agent_key"`
	Update   agent.ProgressUpdate `json:"update"`
}

// Encode 序列化进度消息。
func Encode(agentKey string, update agent.ProgressUpdate) ([]byte, error) {
	payload, err := json.Marshal(Message{AgentKey: agentKey, Update: update})
	if err != nil {
		return nil, fmt.Errorf("序列化进度消息失败: %w", err)
	}
	return payload, nil
}

// Decode 解析进度消息。
func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("解析进度消息失败: %w", err)
	}
	return msg, nil
}

// LogPublisher 只把进度写入日志，是默认通道。
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher 创建日志通道；logger 为空时使用全局 progress 日志。
func NewLogPublisher(l *slog.Logger) *LogPublisher {
	if l == nil {
		l = logger.Named("progress")
	}
	return &LogPublisher{logger: l}
}

// Publish 实现 agent.Publisher。
func (p *LogPublisher) Publish(ctx context.Context, agentKey string, update agent.ProgressUpdate) {
	p.logger.LogAttrs(ctx, slog.LevelDebug, "周期进度",
		slog.String("agent", agentKey),
		slog.String("run_id", update.RunID),
		slog.String("stage", string(update.Stage)),
		slog.String("message", update.Message),
	)
}

// Fanout 把同一条进度推送到多个通道。
type Fanout []agent.Publisher

// Publish 实现 agent.Publisher。
func (f Fanout) Publish(ctx context.Context, agentKey string, update agent.ProgressUpdate) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, agentKey, update)
		}
	}
}

// publishContext 从周期上下文派生一个带超时且不随周期取消的上下文。
func publishContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

var (
	_ agent.Publisher = (*LogPublisher)(nil)
	_ agent.Publisher = Fanout(nil)
)
