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

package dtc

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache memoises decoded trouble codes by their encoded value.
type Cache interface {
	Get(encoded string) (Codes, bool)
	Add(encoded string, codes Codes)
	Len() int
}

// NewCache returns an unbounded cache when size is zero or negative, and a
// least-recently-used cache holding at most size entries otherwise.
func NewCache(size int) Cache {
	if size <= 0 {
		return &mapCache{entries: make(map[string]Codes)}
	}
	c, err := lru.New[string, Codes](size)
	if err != nil {
		return &mapCache{entries: make(map[string]Codes)}
	}
	return &lruCache{c: c}
}

type mapCache struct {
	mu      sync.RWMutex
	entries map[string]Codes
}

func (c *mapCache) Get(encoded string) (Codes, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	codes, ok := c.entries[encoded]
	return codes, ok
}

func (c *mapCache) Add(encoded string, codes Codes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[encoded] = codes
}

func (c *mapCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

type lruCache struct {
	c *lru.Cache[string, Codes]
}

func (c *lruCache) Get(encoded string) (Codes, bool) {
	return c.c.Get(encoded)
}

func (c *lruCache) Add(encoded string, codes Codes) {
	c.c.Add(encoded, codes)
}

func (c *lruCache) Len() int {
	return c.c.Len()
}
