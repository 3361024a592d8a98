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

package dsl

import (
	"crypto/sha256"
	"encoding/hex"
)

// VersionHash returns the content address of a .flow source file: the
// hex-encoded SHA-256 of its raw bytes. Two definitions with identical
// source hash identically regardless of name, so a running execution's
// frames always resolve against the exact source they were compiled
// from, never a same-named edit.
func VersionHash(src string) string {
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}
