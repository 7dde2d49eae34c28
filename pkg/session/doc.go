/*
Package session derives the table of active sessions from the event stream.

Each session moves through

	none -> active -> delegated -> active -> ... -> completed

StartSession, Delegate, SubagentStop and EndSession apply transitions
explicitly; Observe infers them from hook envelopes carrying a
"session_id" in their data:

	user_prompt                       start (or refresh) the session
	pre_tool with tool_name "Task"    delegate to tool_input.subagent_type
	subagent_stop                     back to active, or completed when
	                                  data.session_end is true
	session_end, stop                 completed

Records are keyed by session id, so repeated observations never create
duplicates. Sweep removes sessions idle longer than the inactivity
threshold. Completed and swept sessions are handed to an Archiver.

Snapshot holds the read lock only while copying, so heartbeat snapshots do
not hold up hook-driven writers.
*/
package session
