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

	"github.com/mlipscombe/ecu-mate/decoder"
	"github.com/mlipscombe/ecu-mate/dtc"
	"github.com/mlipscombe/ecu-mate/monitor"
	"github.com/mlipscombe/ecu-mate/schema"
	log "github.com/sirupsen/logrus"
)

// JSONPublisher publishes a JSON document to an absolute topic.
type JSONPublisher interface {
	PublishJSON(topic string, val interface{}) error
}

// PublishDiscovery sends Home Assistant MQTT discovery messages
// Waits for data to be ready before publishing
func PublishDiscovery(client JSONPublisher, device, prefix string, params []schema.Parameter, ready <-chan bool) {
	log.Infof("Publishing Home Assistant discovery messages for %s", device)

	if ready != nil {
		log.Debug("Waiting for initial data before publishing discovery messages...")
		<-ready
		log.Debug("Initial data ready, publishing discovery messages")
	}

	devBlock := createDeviceBlock(device)
	publishEntities(client, device, prefix, Entities(params), devBlock)
}

func createDeviceBlock(device string) map[string]interface{} {
	return map[string]interface{}{
		"ids":  []string{fmt.Sprintf("ecu_%s", device)},
		"name": fmt.Sprintf("Vehicle ECU (%s)", device),
		"sw":   "ecu-mate",
		"mf":   "ECU Monitor",
	}
}

// Entities lists a sensor for every named parameter, a binary sensor for
// every signal, and the active trouble code.
func Entities(params []schema.Parameter) []EntityConfig {
	var entities []EntityConfig
	seen := make(map[string]bool)

	add := func(e EntityConfig) {
		if seen[e.Key] {
			return
		}
		seen[e.Key] = true
		entities = append(entities, e)
	}

	for _, p := range params {
		if p.Name != "" {
			add(EntityConfig{
				Key:        p.Name,
				Name:       humanize(p.Name),
				EntityType: Sensor,
				StateTopic: fmt.Sprintf("%s/%s", monitor.Topic, p.Name),
			})
		}
		for _, signal := range p.Signals {
			key := decoder.SignalPrefix + signal
			add(EntityConfig{
				Key:        key,
				Name:       humanize(signal),
				EntityType: BinarySensor,
				StateTopic: fmt.Sprintf("%s/%s", monitor.Topic, key),
				PayloadOn:  monitor.SignalOn,
				PayloadOff: monitor.SignalOff,
			})
		}
	}

	add(EntityConfig{
		Key:                 dtc.RecordKey,
		Name:                "Diagnostic Trouble Code",
		EntityType:          Sensor,
		EntityCategory:      "diagnostic",
		Icon:                "mdi:engine-off",
		StateTopic:          fmt.Sprintf("%s/%s", monitor.Topic, dtc.RecordKey),
		ValueTemplate:       "{{ value_json.spn }}-{{ value_json.fmi }}",
		AttributesFromState: true,
	})

	return entities
}

func humanize(key string) string {
	words := strings.FieldsFunc(key, func(r rune) bool { return r == '_' || r == '-' || r == '.' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func publishEntities(client JSONPublisher, device, prefix string, entities []EntityConfig, devBlock map[string]interface{}) {
	for _, entity := range entities {
		config := entity.Build(device, prefix, devBlock)
		topic := entity.GetDiscoveryTopic(device)

		if err := client.PublishJSON(topic, config); err != nil {
			log.Errorf("Error publishing discovery message for %s (%s): %v", entity.Name, entity.Key, err)
		} else {
			log.Debugf("Published discovery for %s at %s", entity.Name, topic)
		}
	}

	log.Infof("Published %d entity discovery messages", len(entities))
}
