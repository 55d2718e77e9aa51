package agent

// query.go - stream and launcher interfaces

import "context"

// Query is one live agent stream. Next blocks until the agent emits a
// message, the stream ends (io.EOF), or the context is cancelled.
type Query interface {
	// Next returns the next message from the stream. It returns io.EOF when
	// the agent exits cleanly with no further output.
	Next(ctx context.Context) (*Message, error)

	// Interrupt asks the agent to stop its current turn. Best effort.
	Interrupt() error

	// Close tears the stream down and releases the underlying process.
	Close() error
}

// Launcher starts agent runs. Implementations wrap the transport to the
// agent process; the CLI launcher in this package spawns a subprocess, and
// tests substitute scripted fakes.
type Launcher interface {
	Launch(ctx context.Context, prompt string, opts Options, canUseTool CanUseToolFunc) (Query, error)
}
