// Package command decodes inbound protocol messages into a closed set of typed commands.
package command

import (
	"errors"
	"fmt"

	"github.com/cuongbtq/stablehorde-proxy/internal/job"
	"github.com/cuongbtq/stablehorde-proxy/internal/protocol"
)

// Inbound command names
const (
	NameStartJob     = "startJob"
	NameToggleDebug  = "debug"
	NameToggleModels = "models"
	NameCancelJobs   = "cancel"
)

var (
	// ErrUnknownCommand is returned for a command name outside the known set
	ErrUnknownCommand = errors.New("unknown command")

	// ErrInvalidArguments is returned when a command's arguments cannot be decoded
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Command is one decoded inbound command
type Command interface {
	Name() string
}

// StartJob requests a new generation job
type StartJob struct {
	Overrides []job.Pair
	// Dangling holds a trailing key that had no value
	Dangling string
}

// ToggleDebug flips the debug-log subscription of the connection
type ToggleDebug struct{}

// ToggleModels flips the model-update subscription of the connection
type ToggleModels struct{}

// CancelJobs cancels every live job of the connection
type CancelJobs struct{}

func (StartJob) Name() string     { return NameStartJob }
func (ToggleDebug) Name() string  { return NameToggleDebug }
func (ToggleModels) Name() string { return NameToggleModels }
func (CancelJobs) Name() string   { return NameCancelJobs }

type decoder func(args []string) (Command, error)

var decoders = map[string]decoder{
	NameStartJob:     decodeStartJob,
	NameToggleDebug:  noArgs(ToggleDebug{}),
	NameToggleModels: noArgs(ToggleModels{}),
	NameCancelJobs:   noArgs(CancelJobs{}),
}

// Decode resolves a message to its command
func Decode(msg protocol.Message) (Command, error) {
	decode, ok := decoders[msg.Command]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Command)
	}
	return decode(msg.Args)
}

func decodeStartJob(args []string) (Command, error) {
	cmd := StartJob{Overrides: make([]job.Pair, 0, len(args)/2)}
	for i := 0; i+1 < len(args); i += 2 {
		cmd.Overrides = append(cmd.Overrides, job.Pair{Key: args[i], Value: args[i+1]})
	}
	if len(args)%2 == 1 {
		cmd.Dangling = args[len(args)-1]
	}
	return cmd, nil
}

func noArgs(cmd Command) decoder {
	return func(args []string) (Command, error) {
		if len(args) > 0 {
			return nil, fmt.Errorf("%w: %s takes no arguments", ErrInvalidArguments, cmd.Name())
		}
		return cmd, nil
	}
}

// Handler executes commands on behalf of a connection
type Handler[C any] interface {
	StartJob(conn C, cmd StartJob)
	ToggleDebug(conn C)
	ToggleModels(conn C)
	CancelJobs(conn C)
}

// Dispatch routes a decoded command to the matching handler method
func Dispatch[C any](h Handler[C], conn C, cmd Command) error {
	switch c := cmd.(type) {
	case StartJob:
		h.StartJob(conn, c)
	case ToggleDebug:
		h.ToggleDebug(conn)
	case ToggleModels:
		h.ToggleModels(conn)
	case CancelJobs:
		h.CancelJobs(conn)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
	return nil
}
