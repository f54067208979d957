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
	"fmt"
	"regexp"
	"strconv"
)

// DefaultItemizer captures a whole token into the "value" group.
const DefaultItemizer = `(?P<value>.*)`

var defaultPattern = regexp.MustCompile(DefaultItemizer)

// Parameter holds the decode rules for one raw frame key. Every rule other
// than ID is optional.
type Parameter struct {
	ID        string
	Name      string
	Tokenizer string
	Itemizer  string
	ItemName  string
	Signals   []string

	pattern    *regexp.Regexp
	patternErr error
}

// Splits reports whether values of this parameter are broken down into
// sub-items.
func (p *Parameter) Splits() bool {
	return p.Tokenizer != "" || p.Itemizer != ""
}

// Pattern returns the compiled itemizer, or the default whole-token pattern
// when none is configured. A pattern that failed to compile at load time
// returns its compile error.
func (p *Parameter) Pattern() (*regexp.Regexp, error) {
	if p.Itemizer == "" {
		return defaultPattern, nil
	}
	if p.pattern == nil && p.patternErr == nil {
		p.compile()
	}
	return p.pattern, p.patternErr
}

func (p *Parameter) compile() {
	if p.Itemizer == "" {
		return
	}
	p.pattern, p.patternErr = regexp.Compile(p.Itemizer)
}

// parameterFromEntry builds a Parameter from one loosely typed schema entry,
// as found in JSON, YAML or TOML files. Entries without an $id are rejected.
func parameterFromEntry(entry map[string]interface{}) (Parameter, bool) {
	id := stringField(entry["$id"])
	if id == "" {
		return Parameter{}, false
	}

	param := Parameter{
		ID:        id,
		Name:      stringField(entry["$name"]),
		Tokenizer: stringField(entry["$tokenizer"]),
		Itemizer:  stringField(entry["$itemizer"]),
		ItemName:  stringField(entry["$item_name"]),
	}

	// Signals only count when they are a list.
	switch signals := entry["$signals"].(type) {
	case []interface{}:
		for _, s := range signals {
			if name := stringField(s); name != "" {
				param.Signals = append(param.Signals, name)
			}
		}
	case []string:
		param.Signals = append(param.Signals, signals...)
	}

	param.compile()
	return param, true
}

func stringField(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return fmt.Sprintf("%v", s)
	}
}
