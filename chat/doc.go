// Package chat records live chat next to a capture.
//
// Each platform provides a Factory that connects to its chat service and writes
// every message to a Sink as one line:
//
//	[2024-01-02 15:04:05][42] author: message
//
// The timestamp is the message time in UTC and the bracketed number is whole
// seconds since the sink was opened. Factories are registered by platform tag
// in a Registry; the recorder looks them up by the recording's platform, so a
// new platform needs only a Register call.
//
// Built-in factories:
//   - Twitch: anonymous IRC (no credentials needed).
//   - YouTube: Data API liveChatMessages polling; needs YT_API_KEY.
//   - Kick: the public Pusher websocket used by kick.com.
package chat
