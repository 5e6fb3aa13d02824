// Package demux parses a capture container byte stream back into
// per-track packets. It detects the container header, registers one
// elementary stream per declared track with the host, and then turns each
// frame unit into a [media.Packet] with a presentation timestamp resolved
// against the session clock.
//
// The central type is [Demuxer]. Hosts either drive it with [Demuxer.Open]
// and repeated [Demuxer.Step] calls, or hand control to [Demuxer.Run].
package demux
