package buildlog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	timeArgIndex       = 0
	eventTypeArgIndex  = 1
	eventArgStartIndex = 2
)

var (
	// ErrTooFewTokens is returned for lines with fewer than two tokens.
	ErrTooFewTokens = errors.New("buildlog: too few tokens")
	// ErrUnknownEvent is returned for an unrecognized discriminator.
	ErrUnknownEvent = errors.New("buildlog: unknown event")
	// ErrMalformed is returned when a required positional field is missing.
	ErrMalformed = errors.New("buildlog: malformed event")
)

type parseFunc func(h Header, args []string) (Event, error)

// parsers maps each discriminator to its field decoder. Built once; Parse
// never looks anything up by reflection.
var parsers = map[Kind]parseFunc{
	KindStartBuild:     parseStartBuild,
	KindStopBuild:      parseStopBuild,
	KindStartJob:       parseStartJob,
	KindFinishJob:      parseFinishJob,
	KindReportProgress: parseReportProgress,
	KindReportCounter:  parseReportCounter,
}

// Parse decodes one log message. now substitutes for an unparsable
// timestamp.
func Parse(msg string, now time.Time) (Event, error) {
	return ParseTokens(Tokenize(msg), now)
}

// ParseTokens decodes an already tokenized message.
func ParseTokens(tokens []string, now time.Time) (Event, error) {
	if len(tokens) < 2 {
		return nil, ErrTooFewTokens
	}
	kind := Kind(tokens[eventTypeArgIndex])
	parse, ok := parsers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, tokens[eventTypeArgIndex])
	}
	h := Header{Time: ParseTime(tokens[timeArgIndex], now)}
	ev, err := parse(h, tokens[eventArgStartIndex:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return ev, nil
}

func need(args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("%w: want %d fields, got %d", ErrMalformed, n, len(args))
	}
	return nil
}

func parseStartBuild(h Header, args []string) (Event, error) {
	ev := StartBuild{Header: h}
	if len(args) > 0 {
		ev.LogVersion = parseInt(args[0])
	}
	if len(args) > 1 {
		ev.ProcessID = parseInt(args[1])
	}
	return ev, nil
}

func parseStopBuild(h Header, _ []string) (Event, error) {
	return StopBuild{Header: h}, nil
}

func parseStartJob(h Header, args []string) (Event, error) {
	if err := need(args, 2); err != nil {
		return nil, err
	}
	return StartJob{Header: h, HostName: args[0], EventName: args[1]}, nil
}

func parseFinishJob(h Header, args []string) (Event, error) {
	if err := need(args, 3); err != nil {
		return nil, err
	}
	ev := FinishJob{
		Header:    h,
		HostName:  args[0],
		EventName: args[1],
		Result:    ParseResult(args[2]),
	}
	if len(args) > 3 {
		msg := args[3]
		ev.Message = &msg
	}
	return ev, nil
}

func parseReportProgress(h Header, args []string) (Event, error) {
	if err := need(args, 1); err != nil {
		return nil, err
	}
	return ReportProgress{Header: h, Progress: parseFloat(args[0])}, nil
}

func parseReportCounter(h Header, args []string) (Event, error) {
	if err := need(args, 4); err != nil {
		return nil, err
	}
	return ReportCounter{
		Header:      h,
		GroupName:   args[0],
		CounterName: args[1],
		UnitTag:     args[2],
		Value:       parseFloat(args[3]),
	}, nil
}

var resultCodes = []Result{
	ResultSuccess,
	ResultSuccessCached,
	ResultSuccessPreprocessed,
	ResultFailed,
	ResultError,
	ResultTimeout,
}

var resultByName = map[string]Result{
	"SUCCESS":              ResultSuccess,
	"SUCCESS_COMPLETE":     ResultSuccess,
	"SUCCESS_CACHED":       ResultSuccessCached,
	"SUCCESS_PREPROCESSED": ResultSuccessPreprocessed,
	"FAILED":               ResultFailed,
	"ERROR":                ResultError,
	"TIMEOUT":              ResultTimeout,
	"RACED_OUT":            ResultRacedOut,
	"STOPPED":              ResultStopped,
}

// ParseResult decodes a FINISH_JOB result field. Integer codes index the
// terminal outcomes in declaration order (an out-of-range code is an Error);
// the orchestrator's symbolic names are accepted too. Anything else
// degrades to code zero.
func ParseResult(s string) Result {
	if r, ok := resultByName[strings.ToUpper(s)]; ok {
		return r
	}
	code := parseInt(s)
	if code < 0 || code >= len(resultCodes) {
		return ResultError
	}
	return resultCodes[code]
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
