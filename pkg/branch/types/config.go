package types

import "time"

// Configuration is the full set of parameters needed to construct a
// branch: its advertised identity/capabilities plus the local-only
// knobs (password, advertising interfaces) that never cross the wire.
//
// It is built either programmatically (Default* constructors, mirroring
// the teacher's DefaultConfiguration pattern) or unmarshalled from JSON
// (spec.md 6: "configuration is via file path ... or explicit JSON").
type Configuration struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	NetworkName string        `json:"network_name"`
	Password    string        `json:"password"`

	AdvertisingAddress  string        `json:"advertising_address"`
	AdvertisingInterval time.Duration `json:"advertising_interval"`
	AdvertisingInterfaces []string    `json:"advertising_interfaces"`

	ListenAddress string `json:"listen_address"`

	SessionTimeout    time.Duration `json:"session_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	TxQueueSize uint32 `json:"tx_queue_size"`
	RxQueueSize uint32 `json:"rx_queue_size"`

	MaxInfoMessageSize uint32 `json:"max_info_message_size"`

	Ghost bool `json:"ghost"`
}

const (
	DefaultAdvertisingAddress  = "239.255.0.1:13531"
	DefaultAdvertisingInterval = time.Second
	DefaultSessionTimeout      = 10 * time.Second
	DefaultHeartbeatInterval   = DefaultSessionTimeout / 2
	DefaultTxQueueSize         = 4 * MinQueueSize
	DefaultRxQueueSize         = 4 * MinQueueSize
	DefaultMaxInfoMessageSize  = 65536
)

// DefaultConfiguration returns a Configuration with every field set to
// its documented default, named after the branch the caller is about to
// construct.
func DefaultConfiguration(name string) *Configuration {
	return &Configuration{
		Name:                name,
		NetworkName:         "default",
		AdvertisingAddress:  DefaultAdvertisingAddress,
		AdvertisingInterval: DefaultAdvertisingInterval,
		ListenAddress:       "0.0.0.0:0",
		SessionTimeout:      DefaultSessionTimeout,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		TxQueueSize:         DefaultTxQueueSize,
		RxQueueSize:         DefaultRxQueueSize,
		MaxInfoMessageSize:  DefaultMaxInfoMessageSize,
	}
}

func (c Configuration) Capabilities() Capabilities {
	return Capabilities{
		SessionTimeout:      c.SessionTimeout,
		HeartbeatInterval:   c.HeartbeatInterval,
		AdvertisingAddress:  c.AdvertisingAddress,
		AdvertisingInterval: c.AdvertisingInterval,
		TxQueueSize:         c.TxQueueSize,
		RxQueueSize:         c.RxQueueSize,
		Ghost:               c.Ghost,
	}
}
