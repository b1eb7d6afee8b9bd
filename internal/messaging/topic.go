package messaging

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Topic is a named, partitioned append log. On JetStream a topic is a stream
// of the same name and partition p is the subject "<name>.<p>".
type Topic struct {
	Name       string
	Partitions int
}

// Topics carried by the bus.
var (
	TopicChat           = Topic{Name: "chat-stream", Partitions: 15}
	TopicUserUpdates    = Topic{Name: "user-updates", Partitions: 3}
	TopicChannelUpdates = Topic{Name: "channel-updates", Partitions: 3}
)

// AllTopics lists every topic the services create and read.
func AllTopics() []Topic {
	return []Topic{TopicChat, TopicUserUpdates, TopicChannelUpdates}
}

// Partition returns the partition a key routes to. The mapping depends only on
// the key and the partition count, so every record with the same key lands in
// the same ordered partition.
func (t Topic) Partition(key string) int {
	return int(xxhash.Sum64String(key) % uint64(t.Partitions))
}

// Subject returns the subject of partition p.
func (t Topic) Subject(p int) string {
	return t.Name + "." + strconv.Itoa(p)
}

// Wildcard returns the subject filter that matches every partition.
func (t Topic) Wildcard() string {
	return t.Name + ".*"
}

// partitionOf extracts the partition number from a partition subject.
func partitionOf(subject string) int {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 {
		return -1
	}
	p, err := strconv.Atoi(subject[i+1:])
	if err != nil {
		return -1
	}
	return p
}
