package tele

// DefaultTopicPrefix is where heater readings go unless configured otherwise.
// Home automation integrations subscribe under this prefix.
const DefaultTopicPrefix = "pi/waterheater"

type Config struct { //nolint:maligned
	Enabled           bool   `hcl:"enable"`
	ClientId          string `hcl:"client_id"`
	DryRun            bool   `hcl:"dry_run"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	LogDebug          bool   `hcl:"log_debug"`
	MqttBroker        string `hcl:"mqtt_broker"`
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
	MqttPassword      string `hcl:"mqtt_password"` // secret
	MqttUser          string `hcl:"mqtt_user"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	TopicPrefix       string `hcl:"topic_prefix"`

	BuildVersion string `hcl:"-"`
}
