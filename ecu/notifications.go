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
	"encoding/json"
	"strings"

	"github.com/mlipscombe/ecu-mate/bus"
	log "github.com/sirupsen/logrus"
)

// Warning is a notification raised by the ECU monitor.
type Warning map[string]interface{}

// ConfigChange reports that the ECU monitor loaded a new configuration.
type ConfigChange struct {
	Hash       string `json:"hash"`
	FolderName string `json:"folderName"`
}

// OnWarning delivers ECU monitor warnings. Payloads that are not JSON
// objects are logged and dropped.
func OnWarning(ctx context.Context, b bus.Bus, callback func(Warning), errorCallback func(error)) *Subscription {
	handler := func(channel, data string) {
		if !strings.HasPrefix(channel, WarningTopic) {
			return
		}
		var warning Warning
		if err := json.Unmarshal([]byte(data), &warning); err != nil || warning == nil {
			log.Warnf("ignoring ECU warning %q: not a JSON object", data)
			return
		}
		callback(warning)
	}

	return subscribe(ctx, b, WarningTopic, handler, errorCallback)
}

// OnConfigChange delivers ECU monitor configuration changes. folder is the
// application data folder reported with each change.
func OnConfigChange(ctx context.Context, b bus.Bus, folder string, callback func(ConfigChange), errorCallback func(error)) *Subscription {
	handler := func(channel, data string) {
		if !strings.HasPrefix(channel, NewConfigTopic) {
			return
		}
		log.Infof("ECU monitor configuration changed: %s", data)
		callback(ConfigChange{Hash: data, FolderName: folder})
	}

	return subscribe(ctx, b, NewConfigTopic, handler, errorCallback)
}
