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

// Package schema holds the per-parameter decode rules for ECU frames.
package schema

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry is the process-wide set of parameter rules, keyed by raw frame key.
// It is populated on first use and only changes on an explicit reload.
type Registry struct {
	source Source

	mu     sync.RWMutex
	params map[string]*Parameter
	loaded bool
}

func NewRegistry(source Source) *Registry {
	return &Registry{
		source: source,
		params: make(map[string]*Parameter),
	}
}

// Load populates the registry on first call, or again when force is set. A
// missing or malformed source leaves the registry empty rather than failing.
func (r *Registry) Load(ctx context.Context, force bool) map[string]Parameter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded || force {
		r.params = r.fetch(ctx)
		r.loaded = true
	}

	return r.snapshot()
}

func (r *Registry) fetch(ctx context.Context) map[string]*Parameter {
	params := make(map[string]*Parameter)
	if r.source == nil {
		return params
	}

	list, err := r.source.Fetch(ctx)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warnf("parameter schema not found: %v", err)
		} else {
			log.Errorf("failed to load parameter schema: %v", err)
		}
		return params
	}

	for i := range list {
		param := list[i]
		if param.ID == "" {
			continue
		}
		if _, exists := params[param.ID]; exists {
			log.Warnf("duplicate parameter %s in schema, keeping the last one", param.ID)
		}
		param.compile()
		if param.patternErr != nil {
			log.Warnf("parameter %s has an invalid itemizer %q: %v", param.ID, param.Itemizer, param.patternErr)
		}
		params[param.ID] = &param
	}

	log.Infof("loaded %d ECU parameter definitions", len(params))
	return params
}

func (r *Registry) snapshot() map[string]Parameter {
	out := make(map[string]Parameter, len(r.params))
	for k, p := range r.params {
		out[k] = *p
	}
	return out
}

// Lookup returns the rules for key. Unknown keys get a Parameter with only
// the ID set.
func (r *Registry) Lookup(key string) *Parameter {
	r.ensureLoaded()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.params[key]; ok {
		return p
	}
	return &Parameter{ID: key}
}

// Parameters lists every known parameter ordered by ID.
func (r *Registry) Parameters() []Parameter {
	r.ensureLoaded()

	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Parameter, 0, len(r.params))
	for _, p := range r.params {
		list = append(list, *p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (r *Registry) Len() int {
	r.ensureLoaded()

	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.params)
}

func (r *Registry) ensureLoaded() {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()

	if !loaded {
		r.Load(context.Background(), false)
	}
}
