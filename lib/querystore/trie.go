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

package querystore

import "github.com/brainewave/querykit/lib/queryhash"

// trieNode is one level of the Prefix Trie (spec §4.3). Each child is
// keyed by the hashed representation of the corresponding query-key
// path element, not its raw value, so that ["user"] and ["users"]
// occupy distinct children instead of colliding under a naive
// string-prefix scan.
type trieNode struct {
	children map[string]*trieNode
	// keys holds every full hashed key whose identifier passes through
	// this node (i.e. this node's path is a prefix of that key's Key
	// sequence).
	keys map[string]struct{}
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode), keys: make(map[string]struct{})}
}

// trie indexes hashed keys by the path-parts of their originating
// Identifier, supporting correct prefix invalidation (spec §4.3,
// testable property 6).
type trie struct {
	root *trieNode
}

func newTrie() *trie {
	return &trie{root: newTrieNode()}
}

// insert threads hash into every node along parts, so any prefix of
// parts later resolves to a set including hash.
func (t *trie) insert(parts []any, hash string) error {
	node := t.root
	node.keys[hash] = struct{}{}
	for _, part := range parts {
		elemHash, err := queryhash.HashElement(part)
		if err != nil {
			return err
		}
		child, ok := node.children[elemHash]
		if !ok {
			child = newTrieNode()
			node.children[elemHash] = child
		}
		child.keys[hash] = struct{}{}
		node = child
	}
	return nil
}

// remove detaches hash from every node along parts. Empty nodes are
// pruned so the trie does not grow unbounded with deleted keys.
func (t *trie) remove(parts []any, hash string) error {
	delete(t.root.keys, hash)
	node := t.root
	path := []*trieNode{node}
	for _, part := range parts {
		elemHash, err := queryhash.HashElement(part)
		if err != nil {
			return err
		}
		child, ok := node.children[elemHash]
		if !ok {
			return nil
		}
		delete(child.keys, hash)
		path = append(path, child)
		node = child
	}
	// Prune empty leaves from the deepest node upward.
	for i := len(path) - 1; i > 0; i-- {
		n := path[i]
		if len(n.keys) == 0 && len(n.children) == 0 {
			parent := path[i-1]
			elemHash, _ := queryhash.HashElement(partAt(parts, i-1))
			delete(parent.children, elemHash)
		}
	}
	return nil
}

func partAt(parts []any, i int) any {
	return parts[i]
}

// getMatchingKeys walks the trie along partial and returns every full
// hashed key at or below that node: all keys whose Identifier has
// partial as a prefix.
func (t *trie) getMatchingKeys(partial []any) (map[string]struct{}, error) {
	node := t.root
	for _, part := range partial {
		elemHash, err := queryhash.HashElement(part)
		if err != nil {
			return nil, err
		}
		child, ok := node.children[elemHash]
		if !ok {
			return map[string]struct{}{}, nil
		}
		node = child
	}
	out := make(map[string]struct{}, len(node.keys))
	for k := range node.keys {
		out[k] = struct{}{}
	}
	return out, nil
}
