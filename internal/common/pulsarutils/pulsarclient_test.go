package pulsarutils

import (
	"testing"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/stretchr/testify/assert"

	"github.com/armadaproject/jobfleet/internal/common/armadaerrors"
	commonconfig "github.com/armadaproject/jobfleet/internal/common/config"
)

func TestGetTokenPath(t *testing.T) {
	tests := map[string]struct {
		config       commonconfig.PulsarConfig
		expectedPath string
		expectError  bool
	}{
		"jwt":             {config: commonconfig.PulsarConfig{AuthenticationType: "JWT", JwtTokenPath: "/token"}, expectedPath: "/token"},
		"wrong type":      {config: commonconfig.PulsarConfig{AuthenticationType: "basic", JwtTokenPath: "/token"}, expectError: true},
		"missing path":    {config: commonconfig.PulsarConfig{AuthenticationType: "jwt"}, expectError: true},
		"whitespace path": {config: commonconfig.PulsarConfig{AuthenticationType: "jwt", JwtTokenPath: "  "}, expectError: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			path, err := getTokenPath(&tc.config)
			if tc.expectError {
				var invalidArg *armadaerrors.ErrInvalidArgument
				assert.ErrorAs(t, err, &invalidArg)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expectedPath, path)
		})
	}
}

func TestCompression(t *testing.T) {
	assert.Equal(t, pulsar.LZ4, CompressionType("LZ4"))
	assert.Equal(t, pulsar.ZSTD, CompressionType("zstd"))
	assert.Equal(t, pulsar.NoCompression, CompressionType(""))
	assert.Equal(t, pulsar.Better, CompressionLevel("Better"))
	assert.Equal(t, pulsar.Default, CompressionLevel("unknown"))
}
