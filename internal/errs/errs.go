// Package errs defines the error taxonomy surfaced to clients. Stage errors
// are collected as per-request warnings; only the orchestrator turns errors
// into HTTP statuses.
package errs

import "fmt"

// Code identifies one surfaced error kind.
type Code string

const (
	RequestMalformed    Code = "RequestMalformed"
	UpstreamNotFound    Code = "UpstreamNotFound"
	UpstreamUnavailable Code = "UpstreamUnavailable"
	DiscoveryFailure    Code = "DiscoveryFailure"
	UnknownService      Code = "UnknownService"
	CacheFailure        Code = "CacheFailure"
	TemplatingFailure   Code = "TemplatingFailure"

	EmptyLeaflet        Code = "EmptyLeaflet"
	EmptyScript         Code = "EmptyScript"
	DecodeFailure       Code = "DecodeFailure"
	CompileFailure      Code = "CompileFailure"
	RuntimeFailure      Code = "RuntimeFailure"
	SegmentationFailure Code = "SegmentationFailure"
)

// StageError is a non-fatal failure of one stage, reported in the
// GH-Focusing-Warnings header.
type StageError struct {
	Stage  string `json:"stage"`
	Code   Code   `json:"code"`
	Detail string `json:"detail"`
}

func (e StageError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Stage, e.Code, e.Detail)
}

// Stage builds a StageError.
func Stage(stage string, code Code, detail string) StageError {
	return StageError{Stage: stage, Code: code, Detail: detail}
}
