package model

// NetworkMode selects which interface(s) are configured for use.
type NetworkMode string

const (
	NetworkModeWiFi     NetworkMode = "wifi"
	NetworkModeEthernet NetworkMode = "ethernet"
	NetworkModeDual     NetworkMode = "dual" // both configured, C4 elects primary/secondary
)

type WiFiConfig struct {
	SSID     string `json:"ssid"`
	Password string `json:"password,omitempty"`
}

type EthernetConfig struct {
	DHCP       bool   `json:"dhcp"`
	StaticIP   string `json:"static_ip,omitempty"`
	Gateway    string `json:"gateway,omitempty"`
	Netmask    string `json:"netmask,omitempty"`
}

type PublishProtocol string

const (
	ProtocolMQTT PublishProtocol = "mqtt"
	ProtocolHTTP PublishProtocol = "http"
)

type PublishMode string

const (
	PublishModeDefault   PublishMode = "default"
	PublishModeCustomize PublishMode = "customize"
)

type DefaultModeConfig struct {
	TopicPublish  string `json:"topic_publish"`
	IntervalValue int    `json:"interval_value"`
	IntervalUnit  string `json:"interval_unit"`
}

type CustomTopic struct {
	Topic         string       `json:"topic"`
	RegisterIds   []RegisterId `json:"register_ids"`
	IntervalValue int          `json:"interval_value"`
	IntervalUnit  string       `json:"interval_unit"`
}

type CustomizeModeConfig struct {
	Topics []CustomTopic `json:"topics"`
}

type MQTTConfig struct {
	BrokerHost      string              `json:"broker_host"`
	BrokerPort      int                 `json:"broker_port"`
	ClientIdDefault bool                `json:"client_id_default"`
	ClientId        string              `json:"client_id,omitempty"`
	Username        string              `json:"username,omitempty"`
	Password        string              `json:"password,omitempty"`
	KeepAliveSec    int                 `json:"keep_alive_sec"`
	CleanSession    bool                `json:"clean_session"`
	TLS             bool                `json:"tls"`
	PublishMode     PublishMode         `json:"publish_mode"`
	DefaultMode     DefaultModeConfig   `json:"default_mode"`
	CustomizeMode   CustomizeModeConfig `json:"customize_mode"`
}

type HTTPConfig struct {
	Endpoint      string            `json:"endpoint"`
	Method        string            `json:"method"`
	BodyFormat    string            `json:"body_format"`
	TimeoutMs     int               `json:"timeout_ms"`
	RetryCount    int               `json:"retry_count"`
	IntervalValue int               `json:"interval_value"`
	IntervalUnit  string            `json:"interval_unit"`
	Headers       map[string]string `json:"headers,omitempty"`
}

type ServerConfig struct {
	NetworkMode NetworkMode     `json:"network_mode"`
	WiFi        WiFiConfig      `json:"wifi"`
	Ethernet    EthernetConfig  `json:"ethernet"`
	Protocol    PublishProtocol `json:"protocol"`
	MQTT        MQTTConfig      `json:"mqtt"`
	HTTP        HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	RetentionWindowSec int  `json:"retention_window_sec"`
	ReportingInterval  int  `json:"reporting_interval_sec"`
	ProductionMode     byte `json:"production_mode"` // 0 or 1
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		NetworkMode: NetworkModeEthernet,
		Protocol:    ProtocolMQTT,
		MQTT: MQTTConfig{
			BrokerPort:      1883,
			ClientIdDefault: true,
			KeepAliveSec:    120,
			PublishMode:     PublishModeDefault,
			DefaultMode: DefaultModeConfig{
				TopicPublish:  "uhn/telemetry",
				IntervalValue: 30,
				IntervalUnit:  "s",
			},
		},
		HTTP: HTTPConfig{
			Method:        "POST",
			BodyFormat:    "json",
			TimeoutMs:     15000,
			IntervalValue: 30,
			IntervalUnit:  "s",
		},
	}
}

func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		RetentionWindowSec: 86400,
		ReportingInterval:  3600,
		ProductionMode:     0,
	}
}
