// Package relay turns enriched card moves into chat notifications and
// hands them across to the chat-sending goroutine.
//
// Dispatcher runs on the poller goroutine and pushes into Buffer; the chat
// side drains Buffer, and Flusher periodically reports (and resets) the
// count of messages pushed since the previous flush.
package relay
