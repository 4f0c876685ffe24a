package model

import "cdproute/pkg/traffic"

type SessionID string
type TargetID string
type HandlerID string

type SessionConfig struct {
	DevToolsURL      string   `json:"devToolsURL"`
	Target           TargetID `json:"target"`
	BaseURL          string   `json:"baseURL"`
	Concurrency      int      `json:"concurrency"`
	PendingCapacity  int      `json:"pendingCapacity"`
	ProcessTimeoutMS int      `json:"processTimeoutMS"`
	// WebSocketListen 本地 WebSocket 中继监听地址，空则不启用
	WebSocketListen  string   `json:"webSocketListen"`
}

// 事件类型
const (
	EventRouted     = "routed"
	EventWebSocket  = "websocket"
	EventDegraded   = "degraded"
	EventTargetGone = "target_closed"
)

// Event 路由层对外发出的事件
type Event struct {
	Type      string                `json:"type"`
	Session   SessionID             `json:"session"`
	Target    TargetID              `json:"target"`
	URL       string                `json:"url"`
	Method    string                `json:"method"`
	// Headers 请求当前有效的头部
	Headers   []traffic.HeaderEntry `json:"headers"`
	Action    string                `json:"action"`
	Outcome   string                `json:"outcome"`
	Status    int                   `json:"status"`
	Error     error                 `json:"error"`
	Timestamp int64                 `json:"timestamp"`
}

type TargetInfo struct {
	ID        TargetID `json:"id"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	IsCurrent bool     `json:"isCurrent"`
}

// EngineStats 路由统计
type EngineStats struct {
	Total    int64            `json:"total"`
	ByAction map[string]int64 `json:"byAction"`
}
