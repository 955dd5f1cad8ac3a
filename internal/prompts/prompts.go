// Package prompts holds the fixed text the agent injects into
// conversations: the framing around the persona and capability
// manifest, and the synthesized message used when a turn hits its
// round limit.
package prompts

// MaxToolRounds is how many model rounds a single turn may consume
// before the agent stops calling the model and closes the turn itself.
const MaxToolRounds = 5

// LimitReached is the assistant message synthesized when a turn uses
// all of its rounds without producing a final answer. It is written to
// the conversation log flagged as synthesized, so transcripts can tell
// it apart from model output.
const LimitReached = "I wasn't able to finish working on that within my tool budget. Here's where I got to — ask me to continue if you'd like me to keep going."

// SystemHeader introduces the persona block at the top of the system
// context.
const SystemHeader = "# Identity\n\n"

// ManifestHeader introduces the capability manifest that follows the
// persona.
const ManifestHeader = "# Tools\n\n"
