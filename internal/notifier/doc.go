// Package notifier delivers queued relay messages to chat.
//
// The relay dispatcher only pushes into a relay.Buffer; nothing is sent from
// the board poller goroutine. The chat loop calls Service.Drain on a tick and
// after each handled update, which pops a bounded batch and sends it through
// the transport adapter.
//
// # Pacing
//
// Sends share one token bucket (relay.send_rate_per_sec), so a burst of moves
// cannot trip the chat platform's flood limits.
//
// # Dedup
//
// A (channel, action id) pair is delivered at most once per dedup window. The
// window lives in memory and, when persist_dedup is set, in storage so a
// restart inside the poller's since-boundary does not repeat a message.
package notifier
