package mlog

import (
	"fmt"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/orchestra/envelope"
)

// LogDispatch logs a message indicating that a command is being dispatched to
// a worker.
func LogDispatch(
	log logging.Logger,
	key envelope.IdempotencyKey,
	worker string,
	action string,
) {
	logging.LogString(
		log,
		String(
			keyLabels(key, worker),
			[]Icon{
				DispatchIcon,
				retryIcon(key.Attempt),
			},
			action,
		),
	)
}

// LogDispatchError logs a message indicating that a command could not be
// dispatched.
func LogDispatchError(
	log logging.Logger,
	key envelope.IdempotencyKey,
	worker string,
	action string,
	cause error,
) {
	logging.LogString(
		log,
		String(
			keyLabels(key, worker),
			[]Icon{
				DispatchErrorIcon,
				ErrorIcon,
			},
			action,
			cause.Error(),
		),
	)
}

// LogReply logs a message indicating that a reply has been received.
//
// If o is nil the reply is a success.
func LogReply(
	log logging.Logger,
	key envelope.IdempotencyKey,
	worker string,
	o *envelope.ErrorOutcome,
	elapsed time.Duration,
) {
	icons := []Icon{ReplyIcon, ""}
	text := []string{"succeeded"}

	if o != nil {
		icons = []Icon{ReplyErrorIcon, ErrorIcon}
		text = []string{o.String()}
	}

	text = append(text, fmt.Sprintf("in %s", elapsed))

	logging.LogString(
		log,
		String(
			keyLabels(key, worker),
			icons,
			text...,
		),
	)
}

// LogTimeout logs a message indicating that no reply was received before the
// deadline.
func LogTimeout(
	log logging.Logger,
	key envelope.IdempotencyKey,
	worker string,
	timeout time.Duration,
) {
	logging.LogString(
		log,
		String(
			keyLabels(key, worker),
			[]Icon{ReplyErrorIcon, ErrorIcon},
			fmt.Sprintf("no reply within %s", timeout),
		),
	)
}

// LogLateReply logs a message indicating that a reply was discarded because
// its correlation is no longer pending.
func LogLateReply(
	log logging.Logger,
	correlationID string,
	reason string,
) {
	logging.LogString(
		log,
		String(
			[]IconWithLabel{
				KeyIcon.WithLabel("%s", FormatKey(correlationID)),
			},
			[]Icon{LateIcon, ""},
			"discarded reply",
			reason,
		),
	)
}

// LogMalformedReply logs a message indicating that a reply was discarded
// because it is not a valid result or error envelope.
func LogMalformedReply(
	log logging.Logger,
	correlationID string,
	reason string,
) {
	logging.LogString(
		log,
		String(
			[]IconWithLabel{
				KeyIcon.WithLabel("%s", FormatKey(correlationID)),
			},
			[]Icon{ErrorIcon, ""},
			"discarded malformed reply",
			reason,
		),
	)
}

// LogRetry logs a message indicating that a step will be re-attempted.
func LogRetry(
	log logging.Logger,
	key envelope.IdempotencyKey,
	reason string,
	delay time.Duration,
) {
	logging.LogString(
		log,
		String(
			keyLabels(key, ""),
			[]Icon{RetryIcon, ErrorIcon},
			reason,
			fmt.Sprintf("next attempt in %s", delay),
		),
	)
}

// LogTransition logs a debug message describing a process transition.
func LogTransition(
	log logging.Logger,
	processID string,
	stepID string,
	f string, v ...any,
) {
	if !logging.IsDebug(log) {
		return
	}

	logging.Debug(
		log,
		"%s",
		String(
			[]IconWithLabel{
				ProcessIDIcon.WithID(processID),
			},
			[]Icon{ProcessIcon, ""},
			stepID,
			fmt.Sprintf(f, v...),
		),
	)
}

// LogControl logs a message indicating that a control signal was applied to a
// process.
func LogControl(
	log logging.Logger,
	processID string,
	t envelope.ControlType,
	reason string,
) {
	logging.LogString(
		log,
		String(
			[]IconWithLabel{
				ProcessIDIcon.WithID(processID),
			},
			[]Icon{ControlIcon, ""},
			string(t),
			reason,
		),
	)
}

// LogFailure logs a message indicating that a process has failed.
func LogFailure(
	log logging.Logger,
	processID string,
	stepID string,
	o envelope.ErrorOutcome,
	escalated bool,
) {
	text := []string{stepID, o.String()}
	if escalated {
		text = append(text, "escalated")
	}

	logging.LogString(
		log,
		String(
			[]IconWithLabel{
				ProcessIDIcon.WithID(processID),
			},
			[]Icon{ProcessIcon, ErrorIcon},
			text...,
		),
	)
}

func keyLabels(key envelope.IdempotencyKey, worker string) []IconWithLabel {
	labels := []IconWithLabel{
		KeyIcon.WithLabel("%s", FormatKey(key.String())),
		ProcessIDIcon.WithID(key.ProcessID),
	}

	if worker != "" {
		labels = append(labels, WorkerIcon.WithID(worker))
	}

	return labels
}

func retryIcon(attempt uint) Icon {
	if attempt <= 1 {
		return ""
	}

	return RetryIcon
}
