package chatapi

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds chat API collectors.
type Metrics struct {
	appended      *prometheus.CounterVec
	conversations *prometheus.CounterVec
	uploads       *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_chat_messages_appended_total",
			Help: "Messages appended over REST grouped by result.",
		}, []string{"result"}),
		conversations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_chat_conversations_total",
			Help: "Conversation create-or-get calls grouped by kind and result.",
		}, []string{"kind", "result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_chat_uploads_total",
			Help: "Attachment uploads grouped by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.appended, m.conversations, m.uploads)
	}
	return m
}
