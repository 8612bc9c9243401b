// Copyright 2026 fanjia1024
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

package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := New(KindConflict, "duplicate step_started for %s", "hello")
	wrapped := fmt.Errorf("emit: %w", base)
	if got := KindOf(wrapped); got != KindConflict {
		t.Fatalf("KindOf = %q, want %q", got, KindConflict)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient storage", WithCause(KindTransientStorage, errors.New("conn reset"), "append"), true},
		{"retryable plugin", Plugin(true, "status 503"), true},
		{"terminal plugin", Plugin(false, "status 400"), false},
		{"invalid event", New(KindInvalidEvent, "missing execution_id"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "msg") != nil {
		t.Error("Wrap(nil, msg) should return nil")
	}
	err := errors.New("base")
	wrapped := Wrap(err, "context")
	if wrapped == nil {
		t.Fatal("Wrap(err, msg) should not return nil")
	}
	if !errors.Is(wrapped, err) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "format %s", "x") != nil {
		t.Error("Wrapf(nil, ...) should return nil")
	}
	err := errors.New("base")
	wrapped := Wrapf(err, "id=%s", "a")
	if wrapped == nil {
		t.Fatal("Wrapf(err, ...) should not return nil")
	}
	if !errors.Is(wrapped, err) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestSentinels(t *testing.T) {
	if !errors.Is(ErrNotFound, ErrNotFound) {
		t.Error("ErrNotFound should be Is ErrNotFound")
	}
	if !errors.Is(ErrInvalidArg, ErrInvalidArg) {
		t.Error("ErrInvalidArg should be Is ErrInvalidArg")
	}
}
