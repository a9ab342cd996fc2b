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

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/tombee/conductor/pkg/procedure"
)

// fileProcedureLoader compiles procedure definitions (spec.md §4.1a) from
// one JSON file per procedure_id under dir, mirroring the teacher's
// pkg/workflow/subworkflow/loader.go directory-of-definitions layout but
// compiling through pkg/procedure.Compile instead of YAML-unmarshaling a
// workflow struct directly.
//
// A requested version that does not match "latest" or the compiled
// procedure's own Version is rejected: this loader has no version history,
// only the current file on disk.
type fileProcedureLoader struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*procedure.IRProcedure
}

func newFileProcedureLoader(dir string) *fileProcedureLoader {
	return &fileProcedureLoader{dir: dir, cache: make(map[string]*procedure.IRProcedure)}
}

func (l *fileProcedureLoader) Load(ctx context.Context, procedureID, version string) (*procedure.IRProcedure, error) {
	l.mu.RLock()
	proc, ok := l.cache[procedureID]
	l.mu.RUnlock()
	if !ok {
		path := filepath.Join(l.dir, procedureID+".json")
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("conductord: read procedure %s: %w", procedureID, err)
		}

		proc, err = procedure.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("conductord: compile procedure %s: %w", procedureID, err)
		}

		l.mu.Lock()
		l.cache[procedureID] = proc
		l.mu.Unlock()
	}

	if version != "" && version != "latest" && version != strconv.Itoa(proc.Version) {
		return nil, fmt.Errorf("conductord: procedure %s: version %s not found (have %d)", procedureID, version, proc.Version)
	}

	return proc, nil
}
