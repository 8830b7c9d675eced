// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitError_Message(t *testing.T) {
	plain := &ExitError{Code: ExitUnreachable, Message: "cannot reach daemon"}
	if plain.Error() != "cannot reach daemon" {
		t.Errorf("unexpected message: %q", plain.Error())
	}

	withCause := &ExitError{
		Code:    ExitFailure,
		Message: "run lookup failed",
		Cause:   errors.New("connection reset"),
	}
	want := "run lookup failed: connection reset"
	if withCause.Error() != want {
		t.Errorf("expected %q, got %q", want, withCause.Error())
	}
}

func TestExitError_Unwrap(t *testing.T) {
	inner := errors.New("inner error")
	exitErr := &ExitError{Code: ExitFailure, Message: "wrapped", Cause: inner}

	if unwrapped := errors.Unwrap(exitErr); unwrapped != inner {
		t.Errorf("expected unwrapped error to be inner, got %v", unwrapped)
	}

	// errors.As must find the ExitError through further wrapping.
	double := fmt.Errorf("command failed: %w", exitErr)
	var found *ExitError
	if !errors.As(double, &found) {
		t.Fatal("expected to find ExitError in chain")
	}
	if found.Code != ExitFailure {
		t.Errorf("expected code %d, got %d", ExitFailure, found.Code)
	}
}
