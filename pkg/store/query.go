package store

import "diverga/pkg/protocol"

// MessageQuery filters messages. Zero fields do not filter.
type MessageQuery struct {
	ID          string
	To          string
	From        string
	Type        string
	Channel     string
	Undelivered bool
	// Since keeps messages with Timestamp >= Since.
	Since string
	// Limit keeps the first Limit matches in send order.
	Limit int
}

// Match reports whether m satisfies every non-zero field except Limit.
func (q MessageQuery) Match(m protocol.Message) bool {
	switch {
	case q.ID != "" && m.MessageID != q.ID:
		return false
	case q.To != "" && m.To != q.To:
		return false
	case q.From != "" && m.From != q.From:
		return false
	case q.Type != "" && m.Type != q.Type:
		return false
	case q.Channel != "" && m.Channel != q.Channel:
		return false
	case q.Undelivered && m.Delivered:
		return false
	case q.Since != "" && m.Timestamp < q.Since:
		return false
	}
	return true
}

// Filter applies q to msgs, which must already be in send order.
func (q MessageQuery) Filter(msgs []protocol.Message) []protocol.Message {
	out := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		if !q.Match(m) {
			continue
		}
		out = append(out, m)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}
