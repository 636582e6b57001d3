package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions per topic. Events with the same
// partition key always land on the same shard, which is what preserves
// per-user ordering end to end.
const ShardCount = 256

// ShardID calculates the deterministic shard for a partition key (user_id).
func ShardID(partitionKey string) int {
	checksum := crc32.ChecksumIEEE([]byte(partitionKey))
	return int(checksum % ShardCount)
}

// Subject returns the broker subject for a topic and partition key.
// Format: {topic}.{shard_id}.user.{user_id}
func Subject(topic, partitionKey string) string {
	return fmt.Sprintf("%s.%d.user.%s", topic, ShardID(partitionKey), partitionKey)
}

// TopicWildcard matches every shard and key of a topic.
func TopicWildcard(topic string) string {
	return topic + ".>"
}

// UserWildcard matches a single user's events across shards. The shard is
// derivable from the key, but a wildcard keeps subscribers independent of the
// shard count.
func UserWildcard(topic, userID string) string {
	return fmt.Sprintf("%s.*.user.%s", topic, userID)
}
