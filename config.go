// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voicerelay

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the relay.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	SIPHost    string // bind address for the SIP UDP listener and RTP sockets
	SIPPort    int
	ExternalIP string // address advertised in SDP and Contact headers
	ServerHost string // upstream SIP server for outbound calls
	ServerPort int
	Username   string // local identity for outbound From/Contact

	RTPPortStart int
	RTPPortEnd   int

	ControlAddr  string // WebSocket control listen address
	RecordingDir string
	GreetingWAV  string // optional 8kHz mono WAV played after answer

	VADThreshold          int
	EndpointSilenceFrames int
	MinSpeechFrames       int
	BargeInFrames         int

	PipelineTimeout time.Duration
	InviteTimeout   time.Duration

	LogLevel string
}

// defaults
const (
	defaultSIPHost         = "0.0.0.0"
	defaultSIPPort         = 5060
	defaultServerPort      = 5060
	defaultUsername        = "relay"
	defaultRTPPortStart    = 31000
	defaultRTPPortEnd      = 31200
	defaultControlAddr     = "127.0.0.1:7077"
	defaultRecordingDir    = "recordings"
	defaultPipelineTimeout = 15 * time.Second
	defaultInviteTimeout   = 32 * time.Second
	defaultLogLevel        = "info"
)

// envPrefix is the prefix for all relay environment variables.
const envPrefix = "VOICERELAY_"

// LoadConfig parses configuration from the given CLI args and environment
// variables. Precedence: CLI flags > env vars > defaults.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voicerelay", flag.ContinueOnError)

	fs.StringVar(&cfg.SIPHost, "sip-host", defaultSIPHost, "bind address for SIP and RTP sockets")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "address advertised in SDP and Contact (defaults to sip-host)")
	fs.StringVar(&cfg.ServerHost, "server-host", "", "upstream SIP server for outbound calls")
	fs.IntVar(&cfg.ServerPort, "server-port", defaultServerPort, "upstream SIP server port")
	fs.StringVar(&cfg.Username, "username", defaultUsername, "local user part for outbound From and Contact")
	fs.IntVar(&cfg.RTPPortStart, "rtp-port-start", defaultRTPPortStart, "first UDP port of the RTP range")
	fs.IntVar(&cfg.RTPPortEnd, "rtp-port-end", defaultRTPPortEnd, "end of the RTP port range (exclusive)")
	fs.StringVar(&cfg.ControlAddr, "control-addr", defaultControlAddr, "WebSocket control listen address")
	fs.StringVar(&cfg.RecordingDir, "recording-dir", defaultRecordingDir, "directory for call recordings")
	fs.StringVar(&cfg.GreetingWAV, "greeting-wav", "", "8kHz mono 16-bit WAV played after a call is answered")
	fs.IntVar(&cfg.VADThreshold, "vad-threshold", 0, "energy VAD threshold, 0 keeps the built-in default")
	fs.IntVar(&cfg.EndpointSilenceFrames, "endpoint-silence-frames", 0, "silence frames that close a turn, 0 keeps the default")
	fs.IntVar(&cfg.MinSpeechFrames, "min-speech-frames", 0, "minimum captured frames per turn, 0 keeps the default")
	fs.IntVar(&cfg.BargeInFrames, "barge-in-frames", 0, "speech frames that interrupt playback, 0 keeps the default")
	fs.DurationVar(&cfg.PipelineTimeout, "pipeline-timeout", defaultPipelineTimeout, "deadline for one inference turn")
	fs.DurationVar(&cfg.InviteTimeout, "invite-timeout", defaultInviteTimeout, "deadline for a final response to an outbound INVITE")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"sip-host":                envPrefix + "SIP_HOST",
		"sip-port":                envPrefix + "SIP_PORT",
		"external-ip":             envPrefix + "EXTERNAL_IP",
		"server-host":             envPrefix + "SERVER_HOST",
		"server-port":             envPrefix + "SERVER_PORT",
		"username":                envPrefix + "USERNAME",
		"rtp-port-start":          envPrefix + "RTP_PORT_START",
		"rtp-port-end":            envPrefix + "RTP_PORT_END",
		"control-addr":            envPrefix + "CONTROL_ADDR",
		"recording-dir":           envPrefix + "RECORDING_DIR",
		"greeting-wav":            envPrefix + "GREETING_WAV",
		"vad-threshold":           envPrefix + "VAD_THRESHOLD",
		"endpoint-silence-frames": envPrefix + "ENDPOINT_SILENCE_FRAMES",
		"min-speech-frames":       envPrefix + "MIN_SPEECH_FRAMES",
		"barge-in-frames":         envPrefix + "BARGE_IN_FRAMES",
		"pipeline-timeout":        envPrefix + "PIPELINE_TIMEOUT",
		"invite-timeout":          envPrefix + "INVITE_TIMEOUT",
		"log-level":               envPrefix + "LOG_LEVEL",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "sip-host":
			cfg.SIPHost = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "external-ip":
			cfg.ExternalIP = val
		case "server-host":
			cfg.ServerHost = val
		case "server-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ServerPort = v
			}
		case "username":
			cfg.Username = val
		case "rtp-port-start":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortStart = v
			}
		case "rtp-port-end":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortEnd = v
			}
		case "control-addr":
			cfg.ControlAddr = val
		case "recording-dir":
			cfg.RecordingDir = val
		case "greeting-wav":
			cfg.GreetingWAV = val
		case "vad-threshold":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.VADThreshold = v
			}
		case "endpoint-silence-frames":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.EndpointSilenceFrames = v
			}
		case "min-speech-frames":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MinSpeechFrames = v
			}
		case "barge-in-frames":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.BargeInFrames = v
			}
		case "pipeline-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.PipelineTimeout = v
			}
		case "invite-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.InviteTimeout = v
			}
		case "log-level":
			cfg.LogLevel = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if net.ParseIP(c.SIPHost) == nil {
		return fmt.Errorf("sip-host must be an IP address, got %q", c.SIPHost)
	}
	if c.ExternalIP == "" {
		c.ExternalIP = c.SIPHost
	}
	if net.ParseIP(c.ExternalIP) == nil {
		return fmt.Errorf("external-ip must be an IP address, got %q", c.ExternalIP)
	}
	if c.RTPPortStart < 1024 || c.RTPPortStart > 65534 {
		return fmt.Errorf("rtp-port-start must be between 1024 and 65534, got %d", c.RTPPortStart)
	}
	if c.RTPPortStart%2 != 0 {
		return fmt.Errorf("rtp-port-start must be even, got %d", c.RTPPortStart)
	}
	if c.RTPPortEnd < c.RTPPortStart+4 || c.RTPPortEnd > 65535 {
		return fmt.Errorf("rtp-port-end must be between rtp-port-start+4 and 65535, got %d", c.RTPPortEnd)
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("server-port must be between 1 and 65535, got %d", c.ServerPort)
	}
	if c.PipelineTimeout <= 0 {
		return fmt.Errorf("pipeline-timeout must be positive, got %s", c.PipelineTimeout)
	}
	if c.InviteTimeout <= 0 {
		return fmt.Errorf("invite-timeout must be positive, got %s", c.InviteTimeout)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	return nil
}

// SIPAddr is the listen address for the SIP UDP transport.
func (c *Config) SIPAddr() string {
	return fmt.Sprintf("%s:%d", c.SIPHost, c.SIPPort)
}

// ServerAddr is the upstream SIP server address for outbound calls.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}
