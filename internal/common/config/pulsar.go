package config

import "time"

type PulsarConfig struct {
	// Pulsar URL
	URL string `validate:"required"`
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// Max number of connections to a single broker that will be kept in the pool. (Default: 1 connection)
	MaxConnectionsPerBroker int
	// Whether Pulsar authentication is enabled
	AuthenticationEnabled bool
	// Authentication type. For now only "JWT" auth is valid
	AuthenticationType string
	// Path to the JWT token (must exist). This must be set if AuthenticationType is "JWT"
	JwtTokenPath string
	// Compression to use. Valid values are "None", "LZ4", "Zlib", "Zstd". Default is "None"
	CompressionType string
	// Compression Level to use. Valid values are "Default", "Better", "Faster". Default is "Default"
	CompressionLevel string
	// Topic job state transitions are published to
	EventsTopic string `validate:"required"`
	// Maximum time a send may take before it is considered failed
	SendTimeout time.Duration
}
