package messaging

// TopicMinerEvents carries every Manager event, keyed by pool
const TopicMinerEvents = "miner.events"
