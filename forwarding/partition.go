package forwarding

import (
	"fmt"
	"hash/fnv"

	"github.com/projecteka/gateway/contracts"
)

// DefaultPartitions is the number of sub-queues a partitioned flow spreads over
const DefaultPartitions = 4

// PartitionQueue maps a routing key onto one of n sub-queues of queue. Every
// instance computes the same mapping, so they all declare and drain the same
// finite set.
func PartitionQueue(queue, key string, n int) string {
	if n <= 1 {
		return queue
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%s.%d", queue, h.Sum32()%uint32(n))
}

// QueueFor returns the retry queue a delivery of flow to target lands on
func QueueFor(flow contracts.Flow, target string, partitions int) string {
	if flow.PartitionByTarget {
		return PartitionQueue(flow.RetryQueue, target, partitions)
	}
	return flow.RetryQueue
}

// QueueNames lists every retry queue of the given flows, partitions expanded
func QueueNames(flows []contracts.Flow, partitions int) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for _, f := range flows {
		if !f.RetryRequest && !f.RetryResponse {
			continue
		}
		if f.PartitionByTarget && partitions > 1 {
			for i := 0; i < partitions; i++ {
				add(fmt.Sprintf("%s.%d", f.RetryQueue, i))
			}
			continue
		}
		add(f.RetryQueue)
	}
	return names
}
