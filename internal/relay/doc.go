// Package relay moves announcements from the source to the sink.
//
// One loop owns the watermark. Each tick fetches everything above it,
// delivers in ascending id order with a pacing delay between posts, and
// persists the watermark after every confirmed delivery. A failed delivery
// ends the batch; the same item is fetched again on the next tick.
//
// On a cold start with nothing persisted, Bootstrap fast-forwards to the
// newest active announcement so old ones are not reposted.
package relay
