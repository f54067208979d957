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

// Package decoder turns raw ECU monitor frames into named records using the
// parameter schema.
package decoder

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mlipscombe/ecu-mate/schema"
	log "github.com/sirupsen/logrus"
)

// SignalPrefix marks keys derived from a parameter's signal list.
const SignalPrefix = "@"

var (
	ErrNoMatch      = errors.New("itemizer did not match")
	ErrMissingGroup = errors.New("missing capture group")
	ErrBadPattern   = errors.New("invalid itemizer")
)

// Record is one decoded frame. Values are float64, string or bool, plus
// any structured values added after decoding.
type Record map[string]interface{}

// Schema resolves a raw frame key to its decode rules.
type Schema interface {
	Lookup(key string) *schema.Parameter
}

// TokenError describes a sub-item of a field that could not be decoded.
type TokenError struct {
	Key     string
	Token   string
	Pattern string
	Err     error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("decoding %s token %q: %v", e.Key, e.Token, e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

type Decoder struct {
	Schema Schema

	// OnTokenError is called for every token that is skipped. Defaults to
	// logging a warning.
	OnTokenError func(*TokenError)
}

func New(s Schema) *Decoder {
	return &Decoder{Schema: s}
}

// Decode splits a raw "key=value&key=value" frame and applies the schema to
// each field. Fields are processed in order and later writes to the same key
// win. A field or token that cannot be decoded never aborts the frame.
func (d *Decoder) Decode(raw string) Record {
	record := make(Record)

	for _, pair := range strings.Split(raw, "&") {
		key, value, _ := strings.Cut(pair, "=")
		if key == "" {
			continue
		}
		d.decodeField(record, d.lookup(key), value)
	}

	return record
}

// DecodeValues applies the schema to already separated fields, such as a
// parameter snapshot. Values are rendered back to their wire form first and
// fields are processed in key order.
func (d *Decoder) DecodeValues(values map[string]interface{}) Record {
	keys := make([]string, 0, len(values))
	for key := range values {
		if key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	record := make(Record)
	for _, key := range keys {
		d.decodeField(record, d.lookup(key), FormatValue(values[key]))
	}
	return record
}

func (d *Decoder) lookup(key string) *schema.Parameter {
	if d.Schema == nil {
		return &schema.Parameter{ID: key}
	}
	return d.Schema.Lookup(key)
}

func (d *Decoder) decodeField(record Record, param *schema.Parameter, value string) {
	fvalue := Coerce(value)

	if param.Name != "" {
		record[param.Name] = fvalue
	}
	if Truthy(fvalue) {
		for _, signal := range param.Signals {
			record[SignalPrefix+signal] = true
		}
	}
	record[param.ID] = fvalue

	if !param.Splits() {
		return
	}
	if param.Tokenizer != "" && !strings.Contains(value, param.Tokenizer) {
		return
	}

	tokens := []string{value}
	if param.Tokenizer != "" {
		tokens = strings.Split(value, param.Tokenizer)
	}

	for _, token := range tokens {
		key, item, err := decodeToken(param, token)
		if err != nil {
			d.tokenError(&TokenError{Key: param.ID, Token: token, Pattern: param.Itemizer, Err: err})
			continue
		}
		record[key] = item
	}
}

// decodeToken applies the itemizer to a single token and returns the key and
// coerced value to store.
func decodeToken(param *schema.Parameter, token string) (string, interface{}, error) {
	re, err := param.Pattern()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadPattern, err)
	}

	match := re.FindStringSubmatchIndex(token)
	if match == nil {
		return "", nil, ErrNoMatch
	}

	groups := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name == "" || match[2*i] < 0 {
			continue
		}
		groups[name] = token[match[2*i]:match[2*i+1]]
	}

	value, ok := groups["value"]
	if !ok {
		return "", nil, fmt.Errorf("%w: value", ErrMissingGroup)
	}

	// Without a template every token lands on the same key, so the last one wins.
	key := param.Name
	if param.ItemName != "" {
		key, err = Interpolate(param.ItemName, groups)
		if err != nil {
			return "", nil, err
		}
	}
	if key == "" {
		key = param.ID
	}

	return key, Coerce(value), nil
}

func (d *Decoder) tokenError(err *TokenError) {
	if d.OnTokenError != nil {
		d.OnTokenError(err)
		return
	}
	log.WithFields(log.Fields{
		"key":     err.Key,
		"token":   err.Token,
		"pattern": err.Pattern,
	}).Warnf("skipping token: %v", err.Err)
}
