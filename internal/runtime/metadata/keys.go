package metadata

// ReservedPrefix starts every header written by hubflow itself.
const ReservedPrefix = "hub_"

const (
	KeyPartitionKey  = "hub_key"
	KeyTimestamp     = "hub_timestamp"
	KeySchema        = "hub_schema"
	KeyCorrelationID = "hub_correlation_id"
	KeyReplyTo       = "hub_reply_to"
	KeyRPCError      = "hub_rpc_error"

	KeyDeadLetterReason   = "hub_dlq_reason"
	KeyDeadLetterTopic    = "hub_dlq_original_topic"
	KeyDeadLetterConsumer = "hub_dlq_consumer"
	KeyDeadLetterAttempts = "hub_dlq_attempts"
)
