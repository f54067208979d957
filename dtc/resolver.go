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

// Package dtc resolves the encoded diagnostic trouble code parameter into its
// SPN, FMI, CM and OC components.
package dtc

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mlipscombe/ecu-mate/decoder"
	"github.com/mlipscombe/ecu-mate/executor"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// ParameterID is the 4 byte DM1 bit field parameter carrying the active DTC.
	ParameterID = "feca_3-6"
	// RecordKey is where resolved codes are stored in a decoded record.
	RecordKey = "error_codes"
)

var ErrMalformed = errors.New("malformed trouble code")

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecu_mate",
		Subsystem: "dtc",
		Name:      "cache_hits_total",
		Help:      "Trouble code resolutions served from the cache.",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecu_mate",
		Subsystem: "dtc",
		Name:      "cache_misses_total",
		Help:      "Trouble code resolutions that called the decode tool.",
	})
	decodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecu_mate",
		Subsystem: "dtc",
		Name:      "decode_failures_total",
		Help:      "Trouble code resolutions that fell back to zeroed codes.",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses, decodeFailures)
}

// Codes is a decoded trouble code. Absent components are zero.
type Codes struct {
	SPN int64 `json:"spn"`
	FMI int64 `json:"fmi"`
	CM  int64 `json:"cm"`
	OC  int64 `json:"oc"`
}

type Resolver struct {
	exec  executor.Executor
	tool  string
	cache Cache
	group singleflight.Group
}

// NewResolver decodes trouble codes with tool (normally apx-ecu). cacheSize
// bounds the number of memoised codes; zero keeps every code for the life of
// the process.
func NewResolver(exec executor.Executor, tool string, cacheSize int) *Resolver {
	return &Resolver{
		exec:  exec,
		tool:  tool,
		cache: NewCache(cacheSize),
	}
}

// Resolve returns the codes for an encoded value. Failures are logged and
// resolve to zeroed codes; they are not cached, so the next frame retries.
// Concurrent requests for the same uncached value share one tool call. A
// call already started runs to completion even if ctx is cancelled, so its
// result is still cached.
func (r *Resolver) Resolve(ctx context.Context, encoded string) Codes {
	if codes, ok := r.cache.Get(encoded); ok {
		cacheHits.Inc()
		return codes
	}

	v, err, _ := r.group.Do(encoded, func() (interface{}, error) {
		if codes, ok := r.cache.Get(encoded); ok {
			cacheHits.Inc()
			return codes, nil
		}
		cacheMisses.Inc()

		codes, err := r.decode(context.WithoutCancel(ctx), encoded)
		if err != nil {
			return Codes{}, err
		}
		r.cache.Add(encoded, codes)
		return codes, nil
	})
	if err != nil {
		decodeFailures.Inc()
		log.Errorf("failed to decode %s=%s: %v", ParameterID, encoded, err)
		return Codes{}
	}

	return v.(Codes)
}

func (r *Resolver) decode(ctx context.Context, encoded string) (Codes, error) {
	result, err := r.exec.Execute(ctx, r.tool, "decode",
		fmt.Sprintf("--unique_id=%s", ParameterID),
		fmt.Sprintf("--value=%s", encoded))
	if err != nil {
		return Codes{}, err
	}
	return codesFromResult(result)
}

// Annotate adds the resolved codes to record when it carries a non-zero
// encoded trouble code.
func (r *Resolver) Annotate(ctx context.Context, record decoder.Record) {
	encoded, ok := record[ParameterID]
	if !ok || !decoder.Truthy(encoded) {
		return
	}
	record[RecordKey] = r.Resolve(ctx, decoder.FormatValue(encoded))
}

// CacheLen reports how many codes are memoised.
func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}

func codesFromResult(result executor.Result) (Codes, error) {
	var codes Codes
	fields := []struct {
		name string
		dst  *int64
	}{
		{"spn", &codes.SPN},
		{"fmi", &codes.FMI},
		{"cm", &codes.CM},
		{"oc", &codes.OC},
	}

	for _, f := range fields {
		raw, ok := result[f.name]
		if !ok || raw == nil {
			continue
		}
		n, err := toInt(raw)
		if err != nil {
			return Codes{}, fmt.Errorf("%w: %s: %v", ErrMalformed, f.name, err)
		}
		*f.dst = n
	}

	return codes, nil
}

func toInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
