// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package bencode

import "fmt"

// SyntaxError is returned for any malformed bencode input: leading-zero
// integers, unterminated collections, duplicate map keys, non-string keys,
// string lengths exceeding the remaining input, and so on.
type SyntaxError struct {
	Offset int64
	What   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bencode: syntax error (offset %d): %s", e.Offset, e.What)
}

func syntaxErrorf(offset int64, format string, args ...interface{}) *SyntaxError {
	return &SyntaxError{Offset: offset, What: fmt.Sprintf(format, args...)}
}

// TypeError is returned when a Value is asked to present as a Go type it
// does not hold (e.g. calling Dict() on a List).
type TypeError struct {
	Expected string
	Got      string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("bencode: expected %s, got %s", e.Expected, e.Got)
}
