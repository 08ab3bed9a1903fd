// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"errors"
	"fmt"
)

var (
	// ErrModelNotLoaded means the local model is not resident.
	ErrModelNotLoaded = errors.New("model not loaded")

	// ErrInferenceTimeout means local inference did not finish within the
	// configured timeout. The attempt is abandoned.
	ErrInferenceTimeout = errors.New("local inference timed out")

	// ErrInferenceFault covers every other local inference failure.
	ErrInferenceFault = errors.New("local inference fault")

	// ErrCloudUnavailable means no cloud client is configured or the cloud
	// budget is exhausted.
	ErrCloudUnavailable = errors.New("cloud fallback unavailable")

	// ErrFallbackExhausted means both local and cloud paths failed. It is the
	// only error Router.Classify returns for a live context.
	ErrFallbackExhausted = errors.New("could not route request")
)

// FallbackExhaustedError carries both underlying failures.
//
// errors.Is(err, ErrFallbackExhausted) is true for every value; the local
// and cloud causes are reachable through errors.Is/As as well.
type FallbackExhaustedError struct {
	LocalErr error
	CloudErr error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("%s: local: %v; cloud: %v", ErrFallbackExhausted, e.LocalErr, e.CloudErr)
}

func (e *FallbackExhaustedError) Unwrap() []error {
	errs := []error{ErrFallbackExhausted}
	for _, err := range []error{e.LocalErr, e.CloudErr} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// fallbackReason maps a local failure onto the human-readable reason stored
// in Result.FallbackReason.
func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrModelNotLoaded):
		return "Model not loaded"
	case errors.Is(err, ErrInferenceTimeout):
		return "Local inference timed out"
	default:
		return "Local inference failed"
	}
}

// reasonLabel is the low-cardinality metric label for a fallback reason.
func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrModelNotLoaded):
		return "model_not_loaded"
	case errors.Is(err, ErrInferenceTimeout):
		return "timeout"
	default:
		return "fault"
	}
}
