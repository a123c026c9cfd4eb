/*
Copyright 2025 querykit Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queryhash implements the engine's Key Hasher (spec §4.1): a
// pure, deterministic structural hash of a query identifier.
package queryhash

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
)

// maxDepth bounds recursion into nested arrays/objects (spec §4.1).
const maxDepth = 15

// maxPrimitiveLen is the length past which a stringified primitive is
// truncated, so the resulting hash stays bounded regardless of caller
// input (spec §4.1).
const maxPrimitiveLen = 1000

// Identifier is a query identifier per spec §3: either an ordered
// sequence of arbitrary structured values (Key alone), or a pair of a
// sequence and a params mapping.
type Identifier struct {
	Key    []any
	Params map[string]any
}

// normalize turns an Identifier into the ordered sequence spec §3
// requires hashing over: the object form {Key, Params} becomes the
// two-element sequence [Key, Params].
func (id Identifier) normalize() []any {
	if id.Params == nil {
		return id.Key
	}
	return []any{id.Key, id.Params}
}

// Of is a convenience constructor for the bare-sequence form.
func Of(parts ...any) Identifier {
	return Identifier{Key: parts}
}

// WithParams attaches a params mapping to a sequence form.
func (id Identifier) WithParams(params map[string]any) Identifier {
	id.Params = params
	return id
}

// fingerprint identifies an Identifier by the identity of its backing
// Key slice and Params map, not their contents: two calls that pass
// back the exact same slice/map value (the common caller pattern — an
// Observer re-fetching its own stored QueryKey on every poll tick)
// fingerprint identically without walking either one. A content-keyed
// cache cannot give this property at all, since computing a content
// key requires the same canonicalization walk the cache exists to
// skip.
type fingerprint struct {
	keyPtr    uintptr
	keyLen    int
	paramsPtr uintptr
}

func fingerprintOf(id Identifier) fingerprint {
	fp := fingerprint{keyLen: len(id.Key)}
	if len(id.Key) > 0 {
		fp.keyPtr = reflect.ValueOf(id.Key).Pointer()
	}
	if id.Params != nil {
		fp.paramsPtr = reflect.ValueOf(id.Params).Pointer()
	}
	return fp
}

// Hasher memoizes Hash results for repeated Identifier values. Callers
// frequently re-issue the same query key (e.g. on every poll or
// re-render of a view bound to the same logical query), so a small
// bounded cache avoids repeating the canonicalization walk.
type Hasher struct {
	cache *lru.Cache[fingerprint, string]
}

// NewHasher builds a Hasher whose memoization cache holds up to size
// recent identifier-identity -> hash mappings.
func NewHasher(size int) *Hasher {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New[fingerprint, string](size)
	if err != nil {
		// lru.New only errors on size <= 0, which we've just guarded.
		panic(err)
	}
	return &Hasher{cache: c}
}

// Hash computes the hashed key for id, consulting and populating the
// memoization cache. A hit skips canonicalize entirely.
func (h *Hasher) Hash(id Identifier) (string, error) {
	fp := fingerprintOf(id)
	if cached, ok := h.cache.Get(fp); ok {
		return cached, nil
	}
	hash, err := Hash(id)
	if err != nil {
		return "", err
	}
	h.cache.Add(fp, hash)
	return hash, nil
}

// Hash is the package-level, unmemoized entry point (spec §4.1's pure
// hash(identifier) -> string function).
func Hash(id Identifier) (string, error) {
	var b strings.Builder
	if err := canonicalize(&b, id.normalize(), 0); err != nil {
		return "", trace.Wrap(err)
	}
	return b.String(), nil
}

// HashElement canonicalizes a single path element of an identifier's
// Key sequence. The Prefix Trie (spec §4.3) keys each of its nodes by
// the hashed representation of one path-part rather than the part's
// raw value, which is what lets it distinguish e.g. the string "user"
// from the number 1 at the same depth without collision.
func HashElement(v any) (string, error) {
	var b strings.Builder
	if err := canonicalize(&b, v, 0); err != nil {
		return "", trace.Wrap(err)
	}
	return b.String(), nil
}

// canonicalize writes a canonical, type-tagged representation of v into
// b. Primitives carry a type-tag prefix so e.g. the string "123" never
// collides with the number 123. Arrays and objects are delimited with
// fixed prefixes; object keys are sorted so map insertion order never
// affects the hash.
func canonicalize(b *strings.Builder, v any, depth int) error {
	if depth > maxDepth {
		return trace.BadParameter("KeyTooDeep: identifier nesting exceeds depth %d", maxDepth)
	}

	switch val := v.(type) {
	case nil:
		b.WriteString("null:")
		return nil
	case bool:
		b.WriteString("bool:")
		b.WriteString(strconv.FormatBool(val))
		return nil
	case string:
		writeTruncated(b, "str:", val)
		return nil
	case int:
		writeNumber(b, float64(val))
		return nil
	case int32:
		writeNumber(b, float64(val))
		return nil
	case int64:
		writeNumber(b, float64(val))
		return nil
	case float32:
		writeNumber(b, float64(val))
		return nil
	case float64:
		writeNumber(b, val)
		return nil
	case []any:
		return canonicalizeArray(b, val, depth)
	case map[string]any:
		return canonicalizeObject(b, val, depth)
	default:
		// Unknown structured value: fall back to a stable textual
		// representation, still depth- and length-bounded.
		writeTruncated(b, "str:", fmt.Sprintf("%v", val))
		return nil
	}
}

func writeNumber(b *strings.Builder, f float64) {
	b.WriteString("num:")
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

func writeTruncated(b *strings.Builder, tag, s string) {
	b.WriteString(tag)
	if len(s) > maxPrimitiveLen {
		b.WriteString(s[:maxPrimitiveLen])
		b.WriteString(fmt.Sprintf(":truncated(%d)", len(s)))
		return
	}
	b.WriteString(s)
}

func canonicalizeArray(b *strings.Builder, arr []any, depth int) error {
	b.WriteString("array:[")
	for i, elem := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := canonicalize(b, elem, depth+1); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

func canonicalizeObject(b *strings.Builder, obj map[string]any, depth int) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString("object:{")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeTruncated(b, "key:", k)
		b.WriteByte('=')
		if err := canonicalize(b, obj[k], depth+1); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}
