// Package buildlog decodes single lines of the orchestrator's monitor log
// into typed events.
//
// A line is a sequence of space separated tokens; double-quoted spans form a
// single token with the quotes removed. The first token is a Windows
// FILETIME timestamp and the second names the event. Remaining tokens are
// positional and depend on the event:
//
//	<time> START_BUILD <logVersion> <processId>
//	<time> START_JOB <host> "<event>"
//	<time> FINISH_JOB <host> "<event>" <result> ["<message>"]
//	<time> PROGRESS_STATUS <percent>
//	<time> GRAPH <group> <counter> <unit> <value>
//	<time> STOP_BUILD
//
// Parsing is lenient about numbers (unparsable values become zero) and
// strict about shape: a missing positional field or an unknown event name
// makes the whole line unusable.
package buildlog
