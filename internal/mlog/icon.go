package mlog

import (
	"fmt"
	"io"

	"github.com/dogmatiq/iago/must"
)

const (
	// KeyIcon is the icon shown directly before an idempotency key. It is an
	// "equals sign", indicating that the command "has exactly" the displayed
	// key.
	KeyIcon Icon = "="

	// ProcessIDIcon is the icon shown directly before a process ID. It is the
	// mathematical "member of set" symbol, indicating that the log line belongs
	// to the set of lines produced by the displayed process.
	ProcessIDIcon Icon = "⋲"

	// WorkerIcon is the icon shown directly before a worker ID. It is the
	// "at" sign, indicating where the command is executed.
	WorkerIcon Icon = "@"

	// ReplyIcon is the icon shown to indicate that a reply has been received.
	// It is a downward pointing arrow, as such "inbound" messages could be
	// considered as being "downloaded" from the network or queue.
	ReplyIcon Icon = "▼"

	// ReplyErrorIcon is a variant of ReplyIcon used when the reply is an
	// error. It is an hollow version of the regular reply icon, indicating
	// that the requirement remains "unfulfilled".
	ReplyErrorIcon Icon = "▽"

	// DispatchIcon is the icon shown to indicate that a command is being
	// dispatched. It is an upward pointing arrow, as such "outbound" messages
	// could be considered as being "uploaded" to the network or queue.
	DispatchIcon Icon = "▲"

	// DispatchErrorIcon is a variant of DispatchIcon used when a command could
	// not be dispatched.
	DispatchErrorIcon Icon = "△"

	// RetryIcon is the icon shown when a step is being re-attempted. It is an
	// open-circle with an arrow, indicating that the step has "come around
	// again".
	RetryIcon Icon = "↻"

	// LateIcon is the icon shown when a reply arrives after its correlation
	// has been resolved or abandoned. It is a "circled slash", indicating that
	// the reply is discarded.
	LateIcon Icon = "⊘"

	// ControlIcon is the icon shown when a control signal is handled. It is a
	// flag, as in a flag raised to halt play.
	ControlIcon Icon = "⚑"

	// ErrorIcon is the icon shown when logging information about an error.
	// It is a heavy cross, indicating a failure.
	ErrorIcon Icon = "✖"

	// ProcessIcon is the icon shown when a log line describes a process
	// transition. It is three horizontal lines, representing the steps in a
	// process.
	ProcessIcon Icon = "≡"

	// SystemIcon is an icon shown when a log message relates to the internals of
	// the engine. It is a sprocket, representing the inner workings of the
	// machine.
	SystemIcon Icon = "⚙"

	// SeparatorIcon is an icon used to separate strings of unrelated text inside a
	// log message. It is a large bullet, intended to have a large visual impact.
	SeparatorIcon Icon = "●"
)

// Icon is a unicode symbol used as an icon in log messages.
type Icon string

func (i Icon) String() string {
	return string(i)
}

// WriteTo writes a string representation of the icon to w.
// If i is the zero-value, a single space is rendered.
func (i Icon) WriteTo(w io.Writer) (int64, error) {
	s := i.String()
	if i == "" {
		s = " "
	}

	n, err := io.WriteString(w, s)
	return int64(n), err
}

// WithLabel return an IconWithLabel containing this icon and the given label.
func (i Icon) WithLabel(f string, v ...any) IconWithLabel {
	return IconWithLabel{
		i,
		formatLabel(fmt.Sprintf(f, v...)),
	}
}

// WithID return an IconWithLabel containing this icon and an ID as its label.
//
// The id is formatted using FormatID().
func (i Icon) WithID(id string) IconWithLabel {
	return i.WithLabel("%s", FormatID(id))
}

// IconWithLabel is a container for an icon and its associated text label.
type IconWithLabel struct {
	Icon  Icon
	Label string
}

func (i IconWithLabel) String() string {
	return i.Icon.String() + " " + i.Label
}

// WriteTo writes a string representation of the icon and its label to w.
func (i IconWithLabel) WriteTo(w io.Writer) (_ int64, err error) {
	defer must.Recover(&err)

	n := must.WriteTo(w, i.Icon)
	n += must.Write(w, space1)
	n += must.WriteString(w, i.Label)

	return int64(n), err
}

// formatLabel formats a label for display.
func formatLabel(label string) string {
	if label == "" {
		return "-"
	}

	return label
}
