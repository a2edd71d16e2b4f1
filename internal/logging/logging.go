/* SPDX-License-Identifier: Apache-2.0
 *
 * Copyright 2023 Damian Peckett <damian@peckett>.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging provides the leveled warning logger the core takes as a
// collaborator (spec.md: "a logger for recoverable warnings"). It is
// deliberately tiny: the teacher library carries no logger at all and only
// calls log.Printf from its benchmark command, so this mirrors that plain
// style rather than pulling in a structured logging framework.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger is the minimal interface the core calls into for recoverable
// warnings (single-bit ECC repairs, swap-barrier truncations, orphaned
// allocations reclaimed at next open, ...).
type Logger interface {
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Discard drops every message. It is the default logger for a Handle opened
// without a WithLogger option.
var Discard Logger = discard{}

type discard struct{}

func (discard) Warnf(string, ...interface{})  {}
func (discard) Debugf(string, ...interface{}) {}

// Std adapts the standard library's *log.Logger.
type Std struct {
	*log.Logger
	Debug bool
}

// NewStd returns a Logger that writes warnings (and, if debug is true,
// debug messages) to stderr via the standard library logger.
func NewStd(debug bool) *Std {
	return &Std{Logger: log.New(os.Stderr, "", log.LstdFlags), Debug: debug}
}

func (s *Std) Warnf(format string, args ...interface{}) {
	s.Output(2, "WARN "+fmt.Sprintf(format, args...))
}

func (s *Std) Debugf(format string, args ...interface{}) {
	if !s.Debug {
		return
	}
	s.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
}
