// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package core contains the shared saga vocabulary: phases, event kinds and envelopes.
package core

import (
	"slices"
	"strings"
	"time"

	"github.com/samber/oops"
)

// CodeInvalidKind is returned when an event kind is not of the form namespace::phase.
const CodeInvalidKind = "INVALID_KIND"

// KindSeparator joins a namespace and a phase into an event kind.
const KindSeparator = "::"

// Phase classifies saga progress and event kinds.
type Phase string

const (
	PhasePrepare  Phase = "prepare"
	PhaseActivate Phase = "activate"
	PhaseExecute  Phase = "execute"
	PhaseAudit    Phase = "audit"
	PhaseRetire   Phase = "retire"
)

// Phases lists the known phases in lifecycle order.
func Phases() []Phase {
	return []Phase{PhasePrepare, PhaseActivate, PhaseExecute, PhaseAudit, PhaseRetire}
}

// Ordinal returns the lifecycle position of a known phase, or -1.
func (p Phase) Ordinal() int {
	return slices.Index(Phases(), p)
}

// Known reports whether p is one of the lifecycle phases.
func (p Phase) Known() bool {
	return p.Ordinal() >= 0
}

func (p Phase) String() string {
	return string(p)
}

// Kind identifies an event as namespace::phase.
type Kind string

// NewKind joins a namespace and phase.
func NewKind(namespace string, phase Phase) Kind {
	return Kind(namespace + KindSeparator + string(phase))
}

// ParseKind splits a kind into namespace and phase.
// The phase is everything after the last separator so namespaces may nest.
func ParseKind(s string) (string, Phase, error) {
	idx := strings.LastIndex(s, KindSeparator)
	if idx <= 0 || idx+len(KindSeparator) >= len(s) {
		return "", "", oops.Code(CodeInvalidKind).
			With("kind", s).
			Errorf("event kind %q must be namespace%sphase", s, KindSeparator)
	}
	return s[:idx], Phase(s[idx+len(KindSeparator):]), nil
}

// Namespace returns the namespace part of the kind, or "" if malformed.
func (k Kind) Namespace() string {
	ns, _, err := ParseKind(string(k))
	if err != nil {
		return ""
	}
	return ns
}

// Phase returns the phase suffix of the kind, or "" if malformed.
func (k Kind) Phase() Phase {
	_, phase, err := ParseKind(string(k))
	if err != nil {
		return ""
	}
	return phase
}

// PhaseTag is the implicit tag every envelope carries for its phase.
func PhaseTag(p Phase) string {
	return "phase:" + string(p)
}

// Envelope is the unit carried by the event bus.
type Envelope struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	Kind      Kind      `json:"kind"`
	Phase     Phase     `json:"phase"`
	RunID     string    `json:"runId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Tags      []string  `json:"tags,omitempty"`
}

// HasTag reports whether the envelope carries tag.
func (e Envelope) HasTag(tag string) bool {
	_, found := slices.BinarySearch(e.Tags, tag)
	return found
}

// TagSet returns a sorted, de-duplicated copy of tags with empty entries removed.
func TagSet(tags ...string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// MatchesPhase reports whether the envelope is in one of phases.
// An empty filter matches everything.
func (e Envelope) MatchesPhase(phases []Phase) bool {
	if len(phases) == 0 {
		return true
	}
	return slices.Contains(phases, e.Phase)
}
