package ws

// ClientMsg 客户端发来的控制消息
type ClientMsg struct {
	Type   string   `json:"type"`   // "sub" | "unsub"
	Topics []string `json:"topics"` // rt:<symbol>:<barSize> / rt:errors
}

// AckMsg 订阅结果，Rejected 里是没有生效的 topic，Error 说明整条消息被拒的原因
type AckMsg struct {
	Type     string   `json:"type"` // "ack"
	Op       string   `json:"op"`
	Topics   []string `json:"topics"`
	Rejected []string `json:"rejected,omitempty"`
	Error    string   `json:"error,omitempty"`
}

const errRateLimited = "rate_limited"
