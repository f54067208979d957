/*
 * This file is part of the ecu-mate distribution (https://github.com/mlipscombe/ecu-mate).
 * Copyright (c) 2021-2024 Mark Lipscombe.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, version 3.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <http://www.gnu.org/licenses/>.
 */

package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mlipscombe/ecu-mate/executor"
	"gopkg.in/yaml.v3"
)

// Source provides the raw parameter list the registry is populated from.
type Source interface {
	Fetch(ctx context.Context) ([]Parameter, error)
}

// FileSource reads parameters from a JSON, YAML or TOML file, chosen by
// extension. Unknown extensions are read as JSON.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(_ context.Context) ([]Parameter, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}

	var doc interface{}
	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	case ".toml":
		var table map[string]interface{}
		err = toml.Unmarshal(data, &table)
		doc = table
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.Path, err)
	}

	return parseDocument(doc)
}

// CommandSource asks an external tool for the parameter list. The tool must
// print the same structure as the schema file.
type CommandSource struct {
	Exec executor.Executor
	Tool string
	Args []string
}

func (s CommandSource) Fetch(ctx context.Context) ([]Parameter, error) {
	result, err := s.Exec.Execute(ctx, s.Tool, s.Args...)
	if err != nil {
		return nil, err
	}
	return parseDocument(map[string]interface{}(result))
}

// StaticSource serves a fixed list of parameters.
type StaticSource []Parameter

func (s StaticSource) Fetch(_ context.Context) ([]Parameter, error) {
	params := make([]Parameter, len(s))
	copy(params, s)
	return params, nil
}

var errUnsupportedDocument = errors.New("schema document must be an object or a list")

// parseDocument accepts either a list of entries or an object whose values
// are entries (keyed by anything, typically the parameter number). Values
// that are lists of entries are flattened, which is how TOML arrays of
// tables arrive.
func parseDocument(doc interface{}) ([]Parameter, error) {
	var entries []map[string]interface{}

	switch d := doc.(type) {
	case []interface{}:
		entries = collectEntries(d)
	case map[string]interface{}:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sortEntryKeys(keys)
		for _, k := range keys {
			switch v := d[k].(type) {
			case map[string]interface{}:
				entries = append(entries, v)
			case []interface{}:
				entries = append(entries, collectEntries(v)...)
			case []map[string]interface{}:
				entries = append(entries, v...)
			}
		}
	case nil:
		return nil, nil
	default:
		return nil, errUnsupportedDocument
	}

	params := make([]Parameter, 0, len(entries))
	for _, entry := range entries {
		if param, ok := parameterFromEntry(entry); ok {
			params = append(params, param)
		}
	}
	return params, nil
}

// sortEntryKeys orders integer keys numerically ahead of all other keys,
// which sort lexically.
func sortEntryKeys(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		a, aErr := strconv.ParseUint(keys[i], 10, 64)
		b, bErr := strconv.ParseUint(keys[j], 10, 64)
		switch {
		case aErr == nil && bErr == nil:
			return a < b
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
}

func collectEntries(list []interface{}) []map[string]interface{} {
	var entries []map[string]interface{}
	for _, item := range list {
		if entry, ok := item.(map[string]interface{}); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}
