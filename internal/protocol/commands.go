// SPDX-License-Identifier: MIT

package protocol

// CommandType tags commands sent from the session actor to the worker.
type CommandType string

const (
	CommandKill CommandType = "kill"
	CommandPing CommandType = "ping"
)

// Signal names accepted by the kill command.
const (
	SignalTerm = "SIGTERM"
	SignalKill = "SIGKILL"
)

// Command is a frame written to the ingest connection. Kill is advisory:
// the session state only changes when a terminal event (or disconnect) is
// actually observed.
type Command struct {
	Type   CommandType `json:"type"`
	Signal string      `json:"signal,omitempty"`
}

// NewKillCommand builds a kill command. An empty signal defaults to SIGTERM.
func NewKillCommand(signal string) Command {
	if signal == "" {
		signal = SignalTerm
	}
	return Command{Type: CommandKill, Signal: signal}
}

// NewPingCommand builds a ping command. The worker answers with a pong event.
func NewPingCommand() Command {
	return Command{Type: CommandPing}
}
