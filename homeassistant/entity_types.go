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

package homeassistant

import (
	"fmt"
	"strings"
)

// EntityType represents the type of Home Assistant entity
type EntityType string

const (
	Sensor       EntityType = "sensor"
	BinarySensor EntityType = "binary_sensor"
)

// EntityConfig represents a Home Assistant entity configuration
type EntityConfig struct {
	Key                 string
	Name                string
	EntityType          EntityType
	EntityCategory      string
	Icon                string
	StateTopic          string
	ValueTemplate       string
	AttributesFromState bool
	PayloadOn           string
	PayloadOff          string
}

// Build creates the MQTT discovery message for this entity
func (e *EntityConfig) Build(device, prefix string, devBlock map[string]interface{}) map[string]interface{} {
	config := map[string]interface{}{
		"name":    e.Name,
		"uniq_id": fmt.Sprintf("ecu_%s_%s", device, objectID(e.Key)),
		"avty_t":  fmt.Sprintf("%s/device/status", prefix),
		"dev":     devBlock,
	}

	if e.EntityCategory != "" {
		config["entity_category"] = e.EntityCategory
	}
	if e.Icon != "" {
		config["ic"] = e.Icon
	}
	if e.ValueTemplate != "" {
		config["val_tpl"] = e.ValueTemplate
	}

	// State topic - absolute when it starts with /, otherwise under prefix
	if e.StateTopic != "" {
		stateTopic := fmt.Sprintf("%s/%s", prefix, e.StateTopic)
		if e.StateTopic[0] == '/' {
			stateTopic = e.StateTopic[1:]
		}
		config["stat_t"] = stateTopic
		if e.AttributesFromState {
			config["json_attr_t"] = stateTopic
		}
	}

	if e.EntityType == BinarySensor {
		if e.PayloadOn != "" {
			config["pl_on"] = e.PayloadOn
		}
		if e.PayloadOff != "" {
			config["pl_off"] = e.PayloadOff
		}
	}

	return config
}

// GetDiscoveryTopic returns the MQTT discovery topic for this entity
func (e *EntityConfig) GetDiscoveryTopic(device string) string {
	return fmt.Sprintf("homeassistant/%s/ecu_%s/%s/config", e.EntityType, objectID(device), objectID(e.Key))
}

// objectID restricts s to the characters allowed in discovery topics.
func objectID(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
