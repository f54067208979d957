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

package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config holds application configuration
type Config struct {
	LogLevel      string
	Bind          string
	BusURL        string
	MQTTURL       string
	SchemaPath    string
	ECUTool       string
	ExecTimeout   time.Duration
	DTCCacheSize  int
	HADiscovery   bool
	AppDataFolder string
}

// Load parses command-line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.LogLevel, "log-level", lookupEnvOrString("ECU_MATE_LOG_LEVEL", "INFO"), "logging level")
	flag.StringVar(&cfg.Bind, "bind", lookupEnvOrString("ECU_MATE_BIND", "0.0.0.0:2112"), "address to bind for healthz and prometheus metrics endpoints (default 0.0.0.0:2112), or \"false\" to disable")
	flag.StringVar(&cfg.BusURL, "bus", lookupEnvOrString("ECU_MATE_BUS", "redis://127.0.0.1:7480"), "message bus URI carrying raw ECU frames, either redis://[:<password>@]<host>:<port>[/<db>] or mqtt[s]://[<user>:<password>@]<host>:<port>")
	flag.StringVar(&cfg.MQTTURL, "mqtt", lookupEnvOrString("ECU_MATE_MQTT", "mqtt://localhost:1883"), "MQTT URI for publishing decoded parameters, in the format mqtt[s]://[<user>:<password>]@<host>:<port>[/<prefix>], or \"false\" to disable")
	flag.StringVar(&cfg.SchemaPath, "schema", lookupEnvOrString("ECU_MATE_SCHEMA", "/data/users/syrus4g/ecumonitor/EcuImports.json"), "parameter schema file (json, yaml or toml)")
	flag.StringVar(&cfg.ECUTool, "ecu-tool", lookupEnvOrString("ECU_MATE_ECU_TOOL", "apx-ecu"), "ECU command line tool used to query the device and decode trouble codes")
	flag.DurationVar(&cfg.ExecTimeout, "exec-timeout", lookupEnvOrDuration("ECU_MATE_EXEC_TIMEOUT", 10*time.Second), "timeout for each ECU tool invocation")
	flag.IntVar(&cfg.DTCCacheSize, "dtc-cache-size", lookupEnvOrInt("ECU_MATE_DTC_CACHE_SIZE", 0), "maximum number of decoded trouble codes to cache, 0 for unbounded")
	flag.BoolVar(&cfg.HADiscovery, "homeassistant", lookupEnvOrBool("ECU_MATE_HOMEASSISTANT", true), "enable Home Assistant autodiscovery (default: true)")
	flag.StringVar(&cfg.AppDataFolder, "app-data", lookupEnvOrString("APP_DATA_FOLDER", ""), "application data folder reported with configuration changes")
	flag.Parse()

	return cfg
}

// SetupLogging configures the logging level
func (cfg *Config) SetupLogging() {
	log.SetFormatter(&log.TextFormatter{})
	ll, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		ll = log.InfoLevel
	}
	log.SetLevel(ll)
}

func lookupEnvOrString(key string, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func lookupEnvOrBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		return false
	}
	return defaultVal
}

func lookupEnvOrInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			log.Warnf("Ignoring invalid integer %q for %s", val, key)
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func lookupEnvOrDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Warnf("Ignoring invalid duration %q for %s", val, key)
			return defaultVal
		}
		return d
	}
	return defaultVal
}
