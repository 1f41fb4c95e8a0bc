package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	DB        DBConfig        `mapstructure:"db"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

type MQTTConfig struct {
	BrokerURL       string `mapstructure:"broker_url"`
	ClientID        string `mapstructure:"client_id"`
	DetectionsTopic string `mapstructure:"detections_topic"`
	SensorTopic     string `mapstructure:"sensor_topic"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type PipelineConfig struct {
	TrackHistorySize   int           `mapstructure:"track_history_size"`
	TrackMissTolerance int           `mapstructure:"track_miss_tolerance"`
	SignalTTL          time.Duration `mapstructure:"signal_ttl"`
	SignalFastWindow   time.Duration `mapstructure:"signal_fast_window"`
	FrameWindow        time.Duration `mapstructure:"frame_window"`
	EvidenceSpan       time.Duration `mapstructure:"evidence_span"`
	DedupWindow        time.Duration `mapstructure:"dedup_window"`
	QueueSize          int           `mapstructure:"queue_size"`
	CameraIdleTimeout  time.Duration `mapstructure:"camera_idle_timeout"`
	IOTimeout          time.Duration `mapstructure:"io_timeout"`
}

type RetentionConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	DetectionCycles time.Duration `mapstructure:"detection_cycles"`
	Frames          time.Duration `mapstructure:"frames"`
	SignalSamples   time.Duration `mapstructure:"signal_samples"`
}

// Load reads configuration from config.yaml (optional) and TVS_* environment
// variables, with defaults suitable for local development.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("db.dsn", "host=localhost user=postgres password=postgres dbname=traffic port=5432 sslmode=disable")
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "traffic-violation-service")
	v.SetDefault("mqtt.detections_topic", "traffic-vision/detections/#")
	v.SetDefault("mqtt.sensor_topic", "traffic-vision/sensor/#")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "traffic-events")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("pipeline.track_history_size", 30)
	v.SetDefault("pipeline.track_miss_tolerance", 0)
	v.SetDefault("pipeline.signal_ttl", 5*time.Minute)
	v.SetDefault("pipeline.signal_fast_window", 5*time.Second)
	v.SetDefault("pipeline.frame_window", time.Minute)
	v.SetDefault("pipeline.evidence_span", 7*time.Second)
	v.SetDefault("pipeline.dedup_window", time.Minute)
	v.SetDefault("pipeline.queue_size", 32)
	v.SetDefault("pipeline.camera_idle_timeout", 5*time.Minute)
	v.SetDefault("pipeline.io_timeout", 500*time.Millisecond)
	v.SetDefault("retention.interval", time.Hour)
	v.SetDefault("retention.detection_cycles", 24*time.Hour)
	v.SetDefault("retention.frames", 24*time.Hour)
	v.SetDefault("retention.signal_samples", 24*time.Hour)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/traffic-violation-service")

	v.SetEnvPrefix("TVS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
