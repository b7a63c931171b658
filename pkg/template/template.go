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

// Package template resolves the {{identifier}} placeholder grammar used in
// step parameter values against a member's merged data.
package template

import (
	"fmt"
	"regexp"
	"time"

	"github.com/migrond/migrond/pkg/errors"
)

// placeholderPattern matches {{identifier}} where identifier is
// [A-Za-z_][A-Za-z0-9_]*, per §4.2's grammar.
var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// Context is the merged variable set a template is resolved against.
type Context struct {
	// Data is the member's frozen point-in-time snapshot (data_json).
	Data map[string]interface{}

	// WorkerData is the member's accumulated step outputs
	// (worker_data_json). On key collision with Data, WorkerData wins.
	WorkerData map[string]interface{}

	// BatchID is exposed as the special variable "_batch_id".
	BatchID int64

	// BatchStartTime is exposed as "_batch_start_time", formatted RFC
	// 3339 with a Z suffix when UTC. Nil for a batch with no start time.
	BatchStartTime *time.Time

	// InitOnly restricts resolution to only the special variables
	// (_batch_id, _batch_start_time), per §4.2's init-step rule: member
	// data and worker data are not available in init step templates.
	InitOnly bool
}

// lookup resolves a single identifier against the context, per §4.2's order:
// merged data_json+worker_data_json (worker wins), then the special
// _batch_id/_batch_start_time names, with a case-sensitive match attempted
// first and a "_"-prefixed fallback second.
func (c *Context) lookup(name string) (string, bool) {
	if !c.InitOnly {
		if v, ok := c.WorkerData[name]; ok {
			return fmt.Sprintf("%v", v), true
		}
		if v, ok := c.Data[name]; ok {
			return fmt.Sprintf("%v", v), true
		}
	}

	switch name {
	case "_batch_id", "batch_id":
		return fmt.Sprintf("%d", c.BatchID), true
	case "_batch_start_time", "batch_start_time":
		if c.BatchStartTime == nil {
			return "", false
		}
		return formatBatchStartTime(*c.BatchStartTime), true
	}

	if !c.InitOnly {
		prefixed := "_" + name
		if v, ok := c.WorkerData[prefixed]; ok {
			return fmt.Sprintf("%v", v), true
		}
		if v, ok := c.Data[prefixed]; ok {
			return fmt.Sprintf("%v", v), true
		}
	}

	return "", false
}

// formatBatchStartTime renders a batch start time as RFC 3339, with a
// literal "Z" suffix (rather than "+00:00") when the time is UTC.
func formatBatchStartTime(t time.Time) string {
	if t.Location() == time.UTC {
		return t.Format("2006-01-02T15:04:05Z")
	}
	return t.Format(time.RFC3339)
}

// Resolve substitutes every {{identifier}} placeholder in tmpl using ctx.
// If any identifier cannot be resolved, it returns a
// *errors.TemplateResolutionError listing every unresolved name found (not
// just the first), and the original template unresolved.
func Resolve(tmpl string, ctx *Context) (string, error) {
	var missing []string

	result := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		val, ok := ctx.lookup(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return val
	})

	if len(missing) > 0 {
		return tmpl, &errors.TemplateResolutionError{Template: tmpl, Missing: missing}
	}
	return result, nil
}

// ResolveLenient behaves like Resolve but substitutes an empty string for
// any unresolved placeholder instead of returning an error. Used when
// strict template resolution is disabled and a step dispatches anyway
// with whatever it could resolve.
func ResolveLenient(tmpl string, ctx *Context) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		val, ok := ctx.lookup(name)
		if !ok {
			return ""
		}
		return val
	})
}

// ResolveParamsLenient resolves every value in params, substituting an
// empty string for any unresolved placeholder rather than erroring.
func ResolveParamsLenient(params map[string]string, ctx *Context) map[string]string {
	resolved := make(map[string]string, len(params))
	for k, v := range params {
		resolved[k] = ResolveLenient(v, ctx)
	}
	return resolved
}

// ResolveParams resolves every value in a params map, returning the first
// TemplateResolutionError encountered (with its full Missing list) if any
// value fails to resolve. Successfully resolved values are still returned
// alongside the error, so a caller implementing the "store raw, re-resolve
// at dispatch" policy (§4.6.2, §7) can persist the attempted values.
func ResolveParams(params map[string]string, ctx *Context) (map[string]string, error) {
	resolved := make(map[string]string, len(params))
	var firstErr error
	for k, v := range params {
		r, err := Resolve(v, ctx)
		resolved[k] = r
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return resolved, firstErr
}
