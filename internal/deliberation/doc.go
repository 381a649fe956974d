// Package deliberation runs the round-robin conversation for one feedback
// item.
//
// Stages speak in a fixed cycle (classifier, bug analyst, feature extractor,
// ticket creator, critic, classifier, ...). Each turn appends the stage's
// output to the shared conversation and offers it to the extractor. The run
// ends Approved when a turn's output contains the termination token, or
// Exhausted when the turn cap is hit or a stage fails.
package deliberation
