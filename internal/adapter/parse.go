// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/sagaflow/internal/saga"
)

// Error codes returned by the adapter.
const (
	CodeValidationFailed  = saga.CodeValidationFailed
	CodeSchemaUnavailable = "SCHEMA_UNAVAILABLE"
)

// Parser turns a raw payload into validated saga input.
type Parser interface {
	Parse(raw any) (saga.Input, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(raw any) (saga.Input, error)

// Parse calls f.
func (f ParserFunc) Parse(raw any) (saga.Input, error) {
	return f(raw)
}

// DefaultParser returns the schema-validating parser.
func DefaultParser() Parser {
	return ParserFunc(Parse)
}

// ErrValidation creates a validation error with a reason and optional key/value context.
func ErrValidation(reason string, kv ...any) error {
	b := oops.Code(CodeValidationFailed).With("reason", reason)
	if len(kv) > 0 {
		b = b.With(kv...)
	}
	return b.Errorf("invalid payload: %s", reason)
}

// Parse accepts a Payload, a JSON or YAML document as []byte, string,
// json.RawMessage or io.Reader, or any value that marshals to JSON such as
// map[string]any. Malformed input fails with VALIDATION_FAILED.
func Parse(raw any) (saga.Input, error) {
	data, err := toBytes(raw)
	if err != nil {
		return saga.Input{}, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return saga.Input{}, ErrValidation("payload is empty")
	}

	generic, isJSON, err := decodeGeneric(data)
	if err != nil {
		return saga.Input{}, oops.Code(CodeValidationFailed).
			With("reason", "decode").
			Wrapf(err, "payload is not valid JSON or YAML")
	}
	if err := validateSchema(generic); err != nil {
		return saga.Input{}, err
	}

	var p Payload
	if isJSON {
		err = json.Unmarshal(data, &p)
	} else {
		err = yaml.Unmarshal(data, &p)
	}
	if err != nil {
		return saga.Input{}, oops.Code(CodeValidationFailed).
			With("reason", "decode").
			Wrapf(err, "decode payload")
	}
	return p.Normalize()
}

// decodeGeneric reads data as JSON when it is valid JSON and as YAML otherwise.
func decodeGeneric(data []byte) (any, bool, error) {
	var generic any
	if json.Valid(data) {
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, true, err
		}
		return generic, true, nil
	}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, false, err
	}
	return convertToJSONTypes(generic), false, nil
}

func toBytes(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case nil:
		return nil, ErrValidation("payload is empty")
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	case io.Reader:
		data, err := io.ReadAll(v)
		if err != nil {
			return nil, oops.Code(CodeValidationFailed).
				With("reason", "read").
				Wrapf(err, "read payload")
		}
		return data, nil
	case *Payload:
		if v == nil {
			return nil, ErrValidation("payload is empty")
		}
		return marshal(*v)
	default:
		return marshal(v)
	}
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, oops.Code(CodeValidationFailed).
			With("reason", "encode").
			With("type", fmt.Sprintf("%T", v)).
			Wrapf(err, "payload of type %T is not JSON encodable", v)
	}
	return data, nil
}

// Normalize validates p and converts it into saga input. Dependencies
// become plan edges unless Topology is non-empty, in which case Topology
// is the complete edge set.
func (p Payload) Normalize() (saga.Input, error) {
	in := p.Input
	if in.RunID == "" {
		return saga.Input{}, ErrValidation("missing run id")
	}
	if len(in.Steps) == 0 {
		return saga.Input{}, ErrValidation("empty plan", "run_id", in.RunID)
	}
	policy, err := in.Policy.normalize()
	if err != nil {
		return saga.Input{}, err
	}

	steps := make([]saga.StepDescriptor, 0, len(in.Steps))
	seen := make(map[string]bool, len(in.Steps))
	for i, s := range in.Steps {
		switch {
		case s.ID == "":
			return saga.Input{}, ErrValidation("step id is required", "index", i)
		case seen[s.ID]:
			return saga.Input{}, ErrValidation("duplicate step id", "step", s.ID)
		case s.Action == "":
			return saga.Input{}, ErrValidation("step action is required", "step", s.ID)
		case s.Retries < 0:
			return saga.Input{}, ErrValidation("step retries must not be negative", "step", s.ID)
		case s.Retries > policy.MaxRetries:
			return saga.Input{}, ErrValidation("step retries exceed policy max retries", "step", s.ID)
		}
		seen[s.ID] = true
		steps = append(steps, saga.StepDescriptor{
			ID:        s.ID,
			Action:    s.Action,
			Retries:   s.Retries,
			DependsOn: slices.Clone(s.DependsOn),
		})
	}

	edges, err := p.edges(seen)
	if err != nil {
		return saga.Input{}, err
	}

	plan := saga.Plan{RunID: in.RunID, Steps: steps, Edges: edges}
	if _, err := plan.Order(); err != nil {
		return saga.Input{}, err
	}

	return saga.Input{
		Run: saga.Run{
			ID:        in.RunID,
			Namespace: in.Namespace,
			PolicyID:  policy.ID,
			Steps:     slices.Clone(steps),
		},
		Plan:    plan,
		Policy:  policy,
		Runtime: p.Runtime,
	}, nil
}

func (p Payload) edges(known map[string]bool) ([]saga.Edge, error) {
	if len(p.Topology) > 0 {
		edges := make([]saga.Edge, 0, len(p.Topology))
		for i, pair := range p.Topology {
			if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
				return nil, ErrValidation("topology entries must be [from, to] pairs", "index", i)
			}
			edges = append(edges, saga.Edge{From: pair[0], To: pair[1]})
		}
		return edges, nil
	}

	var edges []saga.Edge
	for _, s := range p.Input.Steps {
		for _, dep := range s.DependsOn {
			if !known[dep] {
				return nil, ErrValidation("step depends on unknown step", "step", s.ID, "dependency", dep)
			}
			edges = append(edges, saga.Edge{From: dep, To: s.ID})
		}
	}
	return edges, nil
}

func (d PolicyDoc) normalize() (saga.Policy, error) {
	switch {
	case d.ID == "":
		return saga.Policy{}, ErrValidation("malformed policy: id is required")
	case d.MaxRetries < 0:
		return saga.Policy{}, ErrValidation("malformed policy: maxRetries must not be negative", "policy", d.ID)
	case d.TimeoutMs < 0:
		return saga.Policy{}, ErrValidation("malformed policy: timeoutMs must not be negative", "policy", d.ID)
	}
	return saga.Policy{
		ID:         d.ID,
		MaxRetries: d.MaxRetries,
		Timeout:    time.Duration(d.TimeoutMs) * time.Millisecond,
		FailFast:   d.FailFast,
	}, nil
}
