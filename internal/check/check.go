// Package check applies named pass/fail predicates to broker responses and
// reports each outcome to a sink. Checks never alter the caller's control flow.
package check

import (
	"fmt"
	"strings"

	"github.com/torosent/brokerload/internal/broker"
)

const (
	NameResponseExists   = "response exists"
	NameStatusAcceptable = "status acceptable"
)

// Mode selects what "status acceptable" means.
type Mode string

const (
	// ModeNotOK passes when the status differs from OK. This reproduces the
	// historical harness and is almost certainly an inverted predicate.
	ModeNotOK Mode = "not_ok"
	// ModeOK passes when the status is OK.
	ModeOK Mode = "ok"
)

// ParseMode validates a mode name. An empty name selects ModeNotOK.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeNotOK:
		return ModeNotOK, nil
	case ModeOK:
		return ModeOK, nil
	default:
		return "", fmt.Errorf("unknown status check mode %q", s)
	}
}

// Check is a named predicate. Predicates receive nil for "no response" and must
// treat it as failing.
type Check struct {
	Name      string
	Predicate func(*broker.Response) bool
}

// Result is one evaluated check.
type Result struct {
	Name   string
	Passed bool
}

// Tags identify where a check ran.
type Tags struct {
	Scenario string
	Method   broker.Method
}

// Sink receives every check outcome.
type Sink interface {
	RecordCheck(tags Tags, name string, passed bool)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(tags Tags, name string, passed bool)

func (f SinkFunc) RecordCheck(tags Tags, name string, passed bool) { f(tags, name, passed) }

// Evaluate runs every check against resp in order and records each result on
// sink (which may be nil). A panicking predicate counts as failed.
func Evaluate(resp *broker.Response, checks []Check, sink Sink, tags Tags) []Result {
	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		passed := run(c.Predicate, resp)
		results = append(results, Result{Name: c.Name, Passed: passed})
		if sink != nil {
			sink.RecordCheck(tags, c.Name, passed)
		}
	}
	return results
}

func run(pred func(*broker.Response) bool, resp *broker.Response) (passed bool) {
	if pred == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			passed = false
		}
	}()
	return pred(resp)
}

// ResponseExists passes when a response was received.
func ResponseExists() Check {
	return Check{
		Name:      NameResponseExists,
		Predicate: func(r *broker.Response) bool { return r != nil },
	}
}

// StatusAcceptable compares the response status with OK according to mode.
// A nil response always fails.
func StatusAcceptable(mode Mode) Check {
	return Check{
		Name: NameStatusAcceptable,
		Predicate: func(r *broker.Response) bool {
			if r == nil {
				return false
			}
			if mode == ModeOK {
				return r.OK()
			}
			return !r.OK()
		},
	}
}

// Standard returns the two checks applied to every broker call.
func Standard(mode Mode) []Check {
	return []Check{ResponseExists(), StatusAcceptable(mode)}
}
