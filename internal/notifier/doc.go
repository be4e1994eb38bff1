// Package notifier is the delivery sink: it renders an announcement as a
// card, posts it to the destination channel through a transport adapter,
// and pings the configured audience for urgent items.
//
// Only the card post decides success. Reactions and pings are best effort:
// a failure there is logged and the delivery still counts as confirmed, so
// the relay never reposts a card because a ping was rejected.
//
// # History
//
// For operator visibility the sink keeps a small in-memory history of the
// most recent posts; the status command and the ops server read it.
package notifier
