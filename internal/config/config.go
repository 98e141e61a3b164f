package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env       string          `yaml:"env" env-default:"local"`
	HTTP      HTTPConfig      `yaml:"http"`
	Signaling SignalingConfig `yaml:"signaling"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Call      CallConfig      `yaml:"call"`
}

type HTTPConfig struct {
	Address string `yaml:"address" env-default:""`
}

type SignalingConfig struct {
	URL               string        `yaml:"url" env:"SIGNALING_URL"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

type WebRTCConfig struct {
	STUNServers        []string      `yaml:"stun_servers" env-default:""`
	TURNCredentialsURL string        `yaml:"turn_credentials_url" env:"TURN_CREDENTIALS_URL"`
	DisableMedia       bool          `yaml:"disable_media" env:"DISABLE_MEDIA"`
	QualityInterval    time.Duration `yaml:"quality_report_interval"`
}

type CallConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// VideoRole overrides the role resolved from the token's video_role
	// claim; used by deployments whose tokens do not carry the claim yet.
	VideoRole string `yaml:"video_role" env:"VIDEO_ROLE"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	cfg.setDefaults()

	return &cfg
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	if res == "" {
		res = "config/local.yaml"
	}

	return res
}

func (c *Config) setDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = "127.0.0.1:8787"
	}
	if c.Signaling.URL == "" {
		c.Signaling.URL = "ws://localhost:3003/call"
	}
	if c.Signaling.DialTimeout <= 0 {
		c.Signaling.DialTimeout = 10 * time.Second
	}
	if c.Signaling.ReconnectAttempts <= 0 {
		c.Signaling.ReconnectAttempts = 3
	}
	if c.Signaling.ReconnectDelay <= 0 {
		c.Signaling.ReconnectDelay = time.Second
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
		}
	}
	if c.WebRTC.QualityInterval <= 0 {
		c.WebRTC.QualityInterval = 10 * time.Second
	}
	if c.Call.ConnectTimeout <= 0 {
		c.Call.ConnectTimeout = 30 * time.Second
	}
}
