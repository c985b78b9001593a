package messaging

// Topic constants for the pool event stream
const (
	TopicBlocksFound = "pool.blocks.found" // stratumd → rewardd
	TopicPayouts     = "pool.payouts"      // payoutd → anyone watching payouts
)

// Consumer groups
const (
	GroupRewardd = "rewardd"
)
