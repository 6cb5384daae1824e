package events

// Topic constants for checkout domain events.
const (
	TopicOrderCreated           = "order.created"
	TopicOrderFailed            = "order.failed"
	TopicReconciliationRequired = "payment.reconciliation_required"
	TopicOrderReconciled        = "order.reconciled"
)

// DefaultTopics lists every topic the service emits.
func DefaultTopics() []string {
	return []string{
		TopicOrderCreated,
		TopicOrderFailed,
		TopicReconciliationRequired,
		TopicOrderReconciled,
	}
}
