// Package log provides the settler's structured loggers.
//
// Every component logs through its own logger carrying a component field;
// network scoped code adds the network id with WithNetwork.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the root logger every component logger derives from.
var Logger zerolog.Logger

// Component loggers, rebuilt by Init.
var (
	Network      zerolog.Logger
	Settlement   zerolog.Logger
	Clock        zerolog.Logger
	Certifier    zerolog.Logger
	Orchestrator zerolog.Logger
	RPC          zerolog.Logger
	Storage      zerolog.Logger
	Node         zerolog.Logger
)

func init() {
	setRoot(console(os.Stdout), zerolog.InfoLevel)
}

// Init replaces the root logger. The console gets colored text, or JSON when
// jsonOutput is set. When file is non-empty the same events are appended to
// it as JSON. Unknown levels mean info.
func Init(level string, jsonOutput bool, file string) error {
	var out io.Writer = console(os.Stdout)
	if jsonOutput {
		out = os.Stdout
	}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		out = zerolog.MultiLevelWriter(out, f)
	}
	setRoot(out, parseLevel(level))
	return nil
}

// WithNetwork returns a component logger scoped to one rollup network.
func WithNetwork(component string, networkID uint32) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Uint32("network_id", networkID).
		Logger()
}

func console(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func setRoot(w io.Writer, lvl zerolog.Level) {
	Logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()

	component := func(name string) zerolog.Logger {
		return Logger.With().Str("component", name).Logger()
	}
	Network = component("network")
	Settlement = component("settlement")
	Clock = component("clock")
	Certifier = component("certifier")
	Orchestrator = component("orchestrator")
	RPC = component("rpc")
	Storage = component("storage")
	Node = component("node")
}
