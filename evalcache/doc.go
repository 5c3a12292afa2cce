// Component for memoizing expensive evaluation results (policy decisions, rule matches) in process memory.
//
// Entries are keyed by namespace, subject, and an order-independent digest of the evaluation context. The cache is bounded by entry count (LRU), by total byte size, and by a hard TTL which is checked lazily on read.
//
// Values are opaque to the cache: callers pick the value type when constructing a Cache.
package evalcache
