package noodlenet

var (
	MetricSendCount        = []string{"noodlenet", "node", "send", "count"}
	MetricSendErrorCount   = []string{"noodlenet", "node", "send", "error", "count"}
	MetricSendLatency      = []string{"noodlenet", "node", "send", "latency"}
	MetricSendAttempts     = []string{"noodlenet", "node", "send", "attempts"}
	MetricFailoverCount    = []string{"noodlenet", "node", "failover", "count"}
	MetricForwardCount     = []string{"noodlenet", "node", "forward", "count"}
	MetricDeliveredCount   = []string{"noodlenet", "node", "delivered", "count"}
	MetricNackCount        = []string{"noodlenet", "node", "nack", "count"}
	MetricInflight         = []string{"noodlenet", "node", "inflight"}
	MetricInboundConnCount = []string{"noodlenet", "node", "inbound", "conn", "count"}
	MetricHandshakeErrors  = []string{"noodlenet", "node", "handshake", "error", "count"}
)
