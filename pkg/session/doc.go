// Package session schedules the speech sessions of one speaker.
//
// Each time a speaker starts talking a SpeechSession is queued with an
// activation delay derived from the speaker's arrival jitter. The audio side
// dequeues sessions once that delay has elapsed, plays them one after another
// and returns their pipelines to a shared pool.
package session
