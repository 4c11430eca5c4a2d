// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package slots

// sentinelValues are string values that mean "no value" rather than a value.
// They leak in from upstream callers (JS frontends serialize missing fields
// as the strings "null"/"undefined"; some ORMs emit "None") and from users
// typing "all". A slot holding one of these is absent, not present.
var sentinelValues = map[string]struct{}{
	"":          {},
	"null":      {},
	"None":      {},
	"undefined": {},
	"all":       {},
}

// Normalize returns a copy of s with every meaningless entry removed: nil
// values and the string sentinels in sentinelValues. Downstream consumers can
// then rely on "key present implies value meaningful" without per-field
// checks.
func Normalize(s Slots) Slots {
	out := make(Slots, len(s))
	for key, val := range s {
		if val == nil {
			continue
		}
		if str, ok := val.(string); ok {
			if _, sentinel := sentinelValues[str]; sentinel {
				continue
			}
		}
		out[key] = val
	}
	return out
}
