package worker

import "hash/fnv"

// Partition splits items into n buckets by key. Every item with the same key lands in the same
// bucket, and items keep their relative input order inside a bucket. Empty buckets are dropped.
func Partition[T any](items []T, n int, key func(T) string) [][]T {
	if n <= 0 {
		n = 1
	}
	buckets := make([][]T, n)
	for _, it := range items {
		i := bucketOf(key(it), n)
		buckets[i] = append(buckets[i], it)
	}
	out := buckets[:0]
	for _, b := range buckets {
		if len(b) > 0 {
			out = append(out, b)
		}
	}
	return out
}

func bucketOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
