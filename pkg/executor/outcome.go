package executor

import (
	"strings"
	"time"
)

// Outcome classifies one invocation of an external command.
type Outcome int

const (
	// Success means the command produced a usable result.
	Success Outcome = iota
	// TransientFailure is worth retrying.
	TransientFailure
	// DefinitiveAbsent means the command affirmatively reported that the
	// key does not exist. It is a valid answer, not an error.
	DefinitiveAbsent
	// DefinitiveError is an unretryable failure.
	DefinitiveError
	// Interrupted means the caller cancelled before the command could
	// produce a result.
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case DefinitiveAbsent:
		return "definitive_absent"
	case DefinitiveError:
		return "definitive_error"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Conclusive reports whether the outcome ends the retry loop.
func (o Outcome) Conclusive() bool {
	return o != TransientFailure
}

// InterruptedExitCode is the conventional shell result code for SIGINT.
const InterruptedExitCode = 130

// Attempt is the record of one execution of the external operation.
type Attempt struct {
	ID       string
	Index    int // 1-based
	Start    time.Time
	Duration time.Duration
	Outcome  Outcome
	ExitCode int
	Stdout   []byte
	// Stderr is kept verbatim so operators can see the root cause.
	Stderr []byte
	// Err is set when the command could not be run at all, or was interrupted.
	Err error
}

// Classifier maps a finished command to an Outcome.
type Classifier func(res Result) Outcome

// MarkerClassifier classifies by exit code and diagnostic text: exit 0 is
// Success; stderr containing an absent marker is DefinitiveAbsent; stderr
// containing an error marker, or a command that could not be started, is
// DefinitiveError; any other non-zero exit is TransientFailure.
func MarkerClassifier(absentMarkers, errorMarkers []string) Classifier {
	return func(res Result) Outcome {
		if res.StartErr != nil {
			return DefinitiveError
		}
		if res.ExitCode == 0 {
			return Success
		}
		stderr := string(res.Stderr)
		for _, m := range absentMarkers {
			if m != "" && strings.Contains(stderr, m) {
				return DefinitiveAbsent
			}
		}
		for _, m := range errorMarkers {
			if m != "" && strings.Contains(stderr, m) {
				return DefinitiveError
			}
		}
		return TransientFailure
	}
}
