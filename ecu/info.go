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

package ecu

import (
	"context"
	"fmt"

	"github.com/mlipscombe/ecu-mate/decoder"
	"github.com/mlipscombe/ecu-mate/executor"
)

// StateKey is the Redis hash the ECU monitor keeps its current state in.
const StateKey = "ecumonitor_current_state"

// HashStore reads hashes from the state store.
type HashStore interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Info describes the ECU monitor's bus configuration.
type Info struct {
	PrimaryCAN     interface{} `json:"primary_can"`
	SecondaryCAN   interface{} `json:"secondary_can"`
	J1708          interface{} `json:"J1708"`
	ListenOnlyMode interface{} `json:"listen_only_mode"`
	Version        string      `json:"version"`
}

// GetInfo combines the tool's configuration report with the monitor version
// from the state store. A nil store leaves Version empty.
func GetInfo(ctx context.Context, exec executor.Executor, tool string, store HashStore) (Info, error) {
	conf, err := exec.Execute(ctx, tool, "configure")
	if err != nil {
		return Info{}, fmt.Errorf("reading ECU configuration: %w", err)
	}

	info := Info{
		PrimaryCAN:     conf["PRIMARY_CAN"],
		SecondaryCAN:   conf["SECONDARY_CAN"],
		J1708:          conf["J1708"],
		ListenOnlyMode: conf["LISTEN_ONLY_MODE"],
	}
	if store == nil {
		return info, nil
	}

	state, err := store.HGetAll(ctx, StateKey)
	if err != nil {
		return Info{}, fmt.Errorf("reading %s: %w", StateKey, err)
	}
	info.Version = state["ECUMONITOR_VERSION"]
	return info, nil
}

// GetParams returns the most recent value of every ECU parameter, coerced
// the same way as streamed frames.
func GetParams(ctx context.Context, exec executor.Executor, tool string) (decoder.Record, error) {
	params, err := exec.Execute(ctx, tool, "list_parameters")
	if err != nil {
		return nil, fmt.Errorf("listing ECU parameters: %w", err)
	}

	record := make(decoder.Record, len(params))
	for key, value := range params {
		if s, ok := value.(string); ok {
			record[key] = decoder.Coerce(s)
		} else {
			record[key] = value
		}
	}
	return record, nil
}
