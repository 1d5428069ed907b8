package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// maxTriggerAttempts 是一次手动触发最多被处理的次数，首次失败后只重投一次。
const maxTriggerAttempts = 2

// Handler 处理一次手动触发，参数为智能体 ID。
type Handler func(ctx context.Context, agentID string) error

// Producer 负责投递触发。
type Producer interface {
	Publish(ctx context.Context, agentID string) error
	Close() error
}

// Consumer 负责消费触发。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// trigger 是跨进程队列中的消息体。
type trigger struct {
	AgentID     string    `json:"agent_id"`
	RequestedAt time.Time `json:"requested_at"`
	Attempt     int       `json:"attempt,omitempty"`
}

func (t trigger) encode() ([]byte, error) {
	return json.Marshal(t)
}

// exhausted 表示本次失败后不应再重投。
func (t trigger) exhausted() bool {
	return t.Attempt+1 >= maxTriggerAttempts
}

// decodeTrigger 解析消息体。运维直接写入的裸智能体 ID 也被接受。
func decodeTrigger(body []byte) (trigger, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return trigger{}, fmt.Errorf("空的触发消息")
	}
	if body[0] != '{' {
		return trigger{AgentID: string(body)}, nil
	}
	var t trigger
	if err := json.Unmarshal(body, &t); err != nil {
		return trigger{}, fmt.Errorf("解析触发消息失败: %w", err)
	}
	t.AgentID = strings.TrimSpace(t.AgentID)
	if t.AgentID == "" {
		return trigger{}, fmt.Errorf("触发消息缺少 agent_id")
	}
	return t, nil
}
