/*
Package observability exports session store activity as Prometheus metrics.

Metrics counts the events a store publishes (creations, deletions by reason,
sync batches, background errors). InfoCollector samples StorageInfo at scrape
time so gauges always reflect the store's current occupancy, queue depth and
conflicts.
*/
package observability
