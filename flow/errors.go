package flow

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrFlowHasNothingToProcess marks a processing request that found no ready
// work. It usually means a duplicate or stale notification.
var ErrFlowHasNothingToProcess = errors.New("flow has nothing to process")

type NothingToProcessError struct {
	ClientId string
	FlowId   string
}

func (e NothingToProcessError) Error() string {
	return fmt.Sprintf("flow %s on client %s has nothing to process", e.FlowId, e.ClientId)
}

func (e NothingToProcessError) Unwrap() error {
	return ErrFlowHasNothingToProcess
}

type UnknownFlowClassError struct {
	Name string
}

func (e UnknownFlowClassError) Error() string {
	return fmt.Sprintf("unknown flow %s", e.Name)
}

type InvalidFlowClassError struct {
	Name   string
	Reason string
}

func (e InvalidFlowClassError) Error() string {
	return fmt.Sprintf("invalid flow class %q: %s", e.Name, e.Reason)
}

type ArgsTypeError struct {
	FlowName string
	Expected string
	Got      string
}

func (e ArgsTypeError) Error() string {
	return fmt.Sprintf("flow %s expects args of type %q, got %q", e.FlowName, e.Expected, e.Got)
}

// InvalidArgsError is returned when a flow class rejects its args.
type InvalidArgsError struct {
	FlowName string
	Err      error
}

func (e InvalidArgsError) Error() string {
	return e.Err.Error()
}

func (e InvalidArgsError) Unwrap() error {
	return e.Err
}

type UnknownStateError struct {
	FlowName string
	State    string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("flow %s has no state %q", e.FlowName, e.State)
}

// ResourceLimitExceededError names the exhausted budget in Limit, one of
// "cpu", "network" or "runtime".
type ResourceLimitExceededError struct {
	Limit   string
	Message string
}

func (e ResourceLimitExceededError) Error() string {
	return e.Message
}
