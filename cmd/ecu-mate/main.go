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

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	healthz "github.com/klyve/go-healthz"
	"github.com/mlipscombe/ecu-mate/bus"
	"github.com/mlipscombe/ecu-mate/config"
	"github.com/mlipscombe/ecu-mate/dtc"
	"github.com/mlipscombe/ecu-mate/ecu"
	"github.com/mlipscombe/ecu-mate/executor"
	"github.com/mlipscombe/ecu-mate/homeassistant"
	"github.com/mlipscombe/ecu-mate/monitor"
	"github.com/mlipscombe/ecu-mate/mqtt"
	"github.com/mlipscombe/ecu-mate/schema"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const warningTopic = "notification/warning"

// determineMQTTPrefix extracts the MQTT prefix from the URL path, or generates one from the device name
func determineMQTTPrefix(mqttURL *url.URL, device string) string {
	if len(mqttURL.Path) > 1 {
		return mqttURL.Path[1:]
	}
	return fmt.Sprintf("ecu/%s", device)
}

// deviceName returns the host name with any domain stripped
func deviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "ecu"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host
}

func isMQTTScheme(scheme string) bool {
	switch scheme {
	case "mqtt", "mqtts":
		return true
	}
	return false
}

// connectBus opens the frame bus. The returned store is nil unless the bus
// also holds the monitor state.
func connectBus(rawURL, device string) (bus.Bus, ecu.HashStore, func(), error) {
	uri, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid bus URL %q: %w", rawURL, err)
	}

	if isMQTTScheme(uri.Scheme) {
		client, err := mqtt.NewClient(uri, fmt.Sprintf("ecumate-bus-%s", device), fmt.Sprintf("ecu/%s/bus", device))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to MQTT bus %s: %w", uri.Host, err)
		}
		return bus.NewMQTT(client, 1), nil, client.Close, nil
	}

	r, err := bus.NewRedis(rawURL)
	if err != nil {
		return nil, nil, nil, err
	}
	return r, r, func() { r.Close() }, nil
}

func main() {
	cfg := config.Load()
	cfg.SetupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Bind != "false" {
		go func(listenAddress string) {
			log.Infof("Starting metrics server on %s", listenAddress)
			instance := healthz.Instance{
				Logger:   log.New(),
				Detailed: true,
			}

			http.Handle("/metrics", promhttp.Handler())
			http.Handle("/healthz", instance.Healthz())
			http.Handle("/liveness", instance.Liveness())

			if err := http.ListenAndServe(listenAddress, nil); err != nil {
				log.Errorf("HTTP server error: %v", err)
			}
		}(cfg.Bind)
	}

	device := deviceName()
	tool := executor.NewCommand(cfg.ExecTimeout)

	registry := schema.NewRegistry(schema.FileSource{Path: cfg.SchemaPath})
	registry.Load(ctx, false)
	log.Infof("Loaded %d ECU parameter definitions from %s", registry.Len(), cfg.SchemaPath)

	frames, store, closeBus, err := connectBus(cfg.BusURL, device)
	if err != nil {
		log.Fatalf("Failed to connect to message bus: %v", err)
	}
	defer closeBus()
	log.Infof("Connected to message bus %s", cfg.BusURL)

	var publisher monitor.Publisher
	var mqttClient *mqtt.Client
	var mqttPrefix string
	if cfg.MQTTURL != "false" {
		mqttURL, err := url.Parse(cfg.MQTTURL)
		if err != nil {
			log.Fatalf("Invalid MQTT URL: %s", cfg.MQTTURL)
		}

		mqttPrefix = determineMQTTPrefix(mqttURL, device)
		mqttClient, err = mqtt.NewClient(mqttURL, fmt.Sprintf("ecumate-%s", device), mqttPrefix)
		if err != nil {
			log.Fatalf("Failed to create MQTT client: %s", err)
		}
		defer mqttClient.Close()
		publisher = mqttClient

		log.Infof("Connected to MQTT broker %s (publishing on \"%s\")", mqttURL.Host, mqttPrefix)
	}

	info, err := ecu.GetInfo(ctx, tool, cfg.ECUTool, store)
	if err != nil {
		log.Warnf("Failed to read ECU configuration: %v", err)
	} else {
		log.WithFields(log.Fields{
			"primary_can":      info.PrimaryCAN,
			"secondary_can":    info.SecondaryCAN,
			"j1708":            info.J1708,
			"listen_only_mode": info.ListenOnlyMode,
			"version":          info.Version,
		}).Info("ECU monitor configuration")
		if mqttClient != nil {
			if err := mqttClient.PublishJSON(mqttClient.Topic("device/info"), info); err != nil {
				log.Errorf("Failed to publish device info: %v", err)
			}
		}
	}

	resolver := dtc.NewResolver(tool, cfg.ECUTool, cfg.DTCCacheSize)
	mon := monitor.New(publisher, device)
	mon.Schema = registry
	watcher := ecu.NewWatcher(frames, registry, resolver)

	onError := func(err error) {
		log.Errorf("ECU subscription failed: %v", err)
	}

	parameters := watcher.Watch(ctx, mon.Handle, onError)
	defer parameters.Unsubscribe()

	warnings := ecu.OnWarning(ctx, frames, func(w ecu.Warning) {
		log.WithFields(log.Fields(w)).Warn("ECU warning")
		if mqttClient != nil {
			if err := mqttClient.PublishJSON(mqttClient.Topic(warningTopic), w); err != nil {
				log.Errorf("Failed to publish warning: %v", err)
			}
		}
	}, onError)
	defer warnings.Unsubscribe()

	configChanges := ecu.OnConfigChange(ctx, frames, cfg.AppDataFolder, func(c ecu.ConfigChange) {
		log.Infof("ECU configuration changed (hash %s), reloading parameter definitions", c.Hash)
		registry.Load(ctx, true)
	}, onError)
	defer configChanges.Unsubscribe()

	if current, err := ecu.GetParams(ctx, tool, cfg.ECUTool); err != nil {
		log.Warnf("Failed to read current ECU parameters: %v", err)
	} else {
		mon.Handle(watcher.ProcessValues(ctx, current))
	}

	if cfg.HADiscovery && mqttClient != nil {
		go homeassistant.PublishDiscovery(mqttClient, device, mqttPrefix, registry.Parameters(), mon.Ready())
	}

	<-ctx.Done()
	log.Info("Shutting down")
}
