// Package registermap loads and validates the per-role register tables that
// seed the process model.
//
// A register map is a JSON (or YAML) document stored as <dir>/<role>.json:
//
//	{
//	  "holding_registers": [
//	    {"address": 0, "name": "Breaker_Status", "default": 1, "min": 0, "max": 1},
//	    {"address": 1, "name": "Bus_Voltage_kV", "default": 138, "noise": 0.005},
//	    {"address": 10, "name": "Trip_Command", "default": 0, "min": 0, "max": 1, "writable": true}
//	  ]
//	}
//
// Optional fields default as follows: noise 0.01, simulate true, writable
// false, min default*0.5, max default*1.5.
//
// A map is loaded once at process start and is immutable afterwards.
// Any invalid record rejects the whole map.
package registermap
