// Package voice turns encoded frames into addressed voice packets and back.
//
// A Sender tracks the channels a client is talking on and stamps every
// outgoing frame with their packed metadata and session epochs. A Receiver
// demultiplexes incoming packets per speaker, applies the epoch rules, and
// feeds each speaker's SessionStream. A Mixer pulls every speaker into the
// output device buffer with priority ducking.
package voice
