// Package config loads the YAML configuration of a session server and turns
// it into engine settings.
//
// A file only needs the fields it changes; everything else keeps the value
// from Default:
//
//	server:
//	  bind_address: 0.0.0.0
//	  udp_port: 20000
//	session:
//	  crc_length: 2
//	  compression: 256
//	  encryption_key: F70IaxuU8C/w7FPXY1ibXw==
//	logging:
//	  level: debug
package config
