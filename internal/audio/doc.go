// Package audio plays synthesized utterances through the default output
// device using oto/v3. Each utterance is rendered through a small graph
// (decoded source, gain envelope, output voice); starting a new utterance
// always tears the previous graph down first.
package audio
