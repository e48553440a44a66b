// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package errutil

import (
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Joined pairs a coded summary with the errors it reports.
//
// oops resolves Code() from the deepest error of a Wrap chain, so wrapping a
// cause that carries its own code hides the outer one. Joined lists the
// summary first in Unwrap: oops.AsOops stops at the summary while errors.Is
// and errors.As still reach every cause.
type Joined struct {
	summary error
	causes  []error
}

// Error returns the summary message.
func (j *Joined) Error() string {
	return j.summary.Error()
}

// Unwrap returns the summary followed by each cause.
func (j *Joined) Unwrap() []error {
	return append([]error{j.summary}, j.causes...)
}

// Causes returns the reported errors without the summary.
func (j *Joined) Causes() []error {
	return append([]error(nil), j.causes...)
}

// Wrap builds an error from b that reports cause but keeps b's code.
// The cause's own code, if any, is recorded as "cause_code".
func Wrap(b oops.OopsErrorBuilder, cause error, format string, args ...any) error {
	return WrapAll(b, []error{cause}, format, args...)
}

// WrapAll is Wrap for several causes. Nil causes are skipped; "cause_code"
// holds the code of the first coded one.
func WrapAll(b oops.OopsErrorBuilder, causes []error, format string, args ...any) error {
	kept := make([]error, 0, len(causes))
	msgs := make([]string, 0, len(causes))
	for _, c := range causes {
		if c == nil {
			continue
		}
		kept = append(kept, c)
		msgs = append(msgs, c.Error())
	}
	for _, c := range kept {
		if code := Code(c); code != "" {
			b = b.With("cause_code", code)
			break
		}
	}
	msg := fmt.Sprintf(format, args...)
	if len(msgs) > 0 {
		msg += ": " + strings.Join(msgs, "; ")
	}
	summary := b.Errorf("%s", msg)
	if len(kept) == 0 {
		return summary
	}
	return &Joined{summary: summary, causes: kept}
}
