package persistence

import (
	"errors"
	"fmt"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

// ErrFlowLeased is returned when another owner holds a flow's processing lease.
var ErrFlowLeased = errors.New("flow is leased by another worker")

type UnknownClientError struct {
	ClientId string
}

func (e UnknownClientError) Error() string {
	return fmt.Sprintf("unknown client %s", e.ClientId)
}

type UnknownUserError struct {
	Username string
}

func (e UnknownUserError) Error() string {
	return fmt.Sprintf("unknown user %s", e.Username)
}

type UnknownFlowError struct {
	ClientId string
	FlowId   string
}

func (e UnknownFlowError) Error() string {
	return fmt.Sprintf("flow %s not found on client %s", e.FlowId, e.ClientId)
}

type DuplicateFlowIdError struct {
	ClientId string
	FlowId   string
}

func (e DuplicateFlowIdError) Error() string {
	return fmt.Sprintf("flow id %s already exists on client %s", e.FlowId, e.ClientId)
}

type UnknownScheduledFlowError struct {
	ClientId        string
	Creator         string
	ScheduledFlowId string
}

func (e UnknownScheduledFlowError) Error() string {
	return fmt.Sprintf("scheduled flow %s of %s not found on client %s", e.ScheduledFlowId, e.Creator, e.ClientId)
}

func IsNotFound(err error) bool {
	var c UnknownClientError
	var u UnknownUserError
	var f UnknownFlowError
	var s UnknownScheduledFlowError
	return errors.As(err, &c) || errors.As(err, &u) || errors.As(err, &f) || errors.As(err, &s)
}
