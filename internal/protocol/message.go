// Package protocol implements the text message format exchanged with
// WebSocket clients: "command,arg0,...,argN" where every component is
// percent-encoded so commas and spaces never collide with the separator.
package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const separator = ","

// Outbound command names
const (
	CommandJobProgress = "job_progress"
	CommandImage       = "image"
	CommandModelUpdate = "model_update"
	CommandModelRemove = "model_remove"
	CommandDebug       = "debug"
	CommandPing        = "ping"
	CommandError       = "error"
)

// ErrEmptyMessage is returned when an inbound frame carries no command
var ErrEmptyMessage = errors.New("empty message")

// Message is one decoded protocol frame
type Message struct {
	Command string
	Args    []string
}

// New creates a message from a command and its arguments
func New(command string, args ...string) Message {
	return Message{Command: command, Args: args}
}

// Parse decodes a raw frame. Components that are not valid escapes are kept verbatim.
func Parse(raw string) (Message, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Message{}, ErrEmptyMessage
	}

	parts := strings.Split(raw, separator)
	for i, p := range parts {
		if unescaped, err := url.PathUnescape(p); err == nil {
			parts[i] = unescaped
		}
	}

	if parts[0] == "" {
		return Message{}, ErrEmptyMessage
	}

	return Message{Command: parts[0], Args: parts[1:]}, nil
}

// Encode renders the message in wire form
func (m Message) Encode() string {
	var b strings.Builder
	b.WriteString(url.PathEscape(m.Command))
	for _, arg := range m.Args {
		b.WriteString(separator)
		b.WriteString(url.PathEscape(arg))
	}
	return b.String()
}

// String implements fmt.Stringer
func (m Message) String() string {
	return m.Encode()
}

// Arg returns the i-th argument or an empty string
func (m Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// Progress describes a job progress snapshot
type Progress struct {
	Target    int
	Requested int
	Finished  int
	Done      bool
	Status    string
}

// Percent returns the completion percentage of the snapshot
func (p Progress) Percent() float64 {
	if p.Target <= 0 {
		return 0
	}
	return float64(p.Finished) / float64(p.Target) * 100
}

// JobProgress builds a job_progress message
func JobProgress(p Progress) Message {
	args := []string{
		strconv.Itoa(p.Target),
		strconv.Itoa(p.Requested),
		strconv.Itoa(p.Finished),
		strconv.FormatBool(p.Done),
		fmt.Sprintf("%.2f", p.Percent()),
	}
	if p.Status != "" {
		args = append(args, p.Status)
	}
	return New(CommandJobProgress, args...)
}

// ImageReady builds an image message for a delivered sub-request
func ImageReady(id, imageURL string) Message {
	return New(CommandImage, id, imageURL)
}

// ModelInfo is the payload of a model_update message
type ModelInfo struct {
	Name        string
	Description string
	Workers     int
	SortIndex   int
	NSFW        bool
	Style       string
	Trigger     string
	Showcase    string
}

// ModelUpdate builds a model_update message
func ModelUpdate(m ModelInfo) Message {
	return New(CommandModelUpdate,
		m.Name,
		m.Description,
		strconv.Itoa(m.Workers),
		strconv.Itoa(m.SortIndex),
		strconv.FormatBool(m.NSFW),
		m.Style,
		m.Trigger,
		m.Showcase,
	)
}

// ModelRemove builds a model_remove message
func ModelRemove(name string) Message {
	return New(CommandModelRemove, name)
}

// Debug builds a debug message carrying one log line
func Debug(line string) Message {
	return New(CommandDebug, line)
}

// Ping builds the keep-alive message
func Ping() Message {
	return New(CommandPing)
}

// Error builds an error reply
func Error(text string) Message {
	return New(CommandError, text)
}
