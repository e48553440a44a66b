// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"maps"
	"slices"
)

// OutputView is a read-only snapshot of activated plugin outputs.
//
// Each output is stored once under the bare plugin name. The alias
// "plugins/<name>" resolves to the same entry.
type OutputView struct {
	outputs map[string]Output
	aliases map[string]string
	order   []string
}

// Get returns the output for a canonical name or alias.
func (v OutputView) Get(key string) (Output, bool) {
	if canonical, ok := v.aliases[key]; ok {
		key = canonical
	}
	out, ok := v.outputs[key]
	return out, ok
}

// Keys returns canonical names in boot order.
func (v OutputView) Keys() []string {
	return slices.Clone(v.order)
}

// Aliases returns a copy of the alias to canonical name map.
func (v OutputView) Aliases() map[string]string {
	return maps.Clone(v.aliases)
}

// Len returns the number of distinct outputs.
func (v OutputView) Len() int {
	return len(v.outputs)
}
