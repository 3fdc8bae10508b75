package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveNetMgrAddress_Defaults(t *testing.T) {
	t.Setenv(EnvNetMgrHost, "")
	t.Setenv(EnvNetMgrPort, "")
	addr := ResolveNetMgrAddress()
	assert.Equal(t, DefaultNetMgrHost, addr.Host)
	assert.Equal(t, DefaultNetMgrPort, addr.Port)
}

func TestResolveNetMgrAddress_FromEnv(t *testing.T) {
	t.Setenv(EnvNetMgrHost, "registry.internal")
	t.Setenv(EnvNetMgrPort, "7000")
	addr := ResolveNetMgrAddress()
	assert.Equal(t, "registry.internal", addr.Host)
	assert.Equal(t, 7000, addr.Port)
}

func TestResolveNetMgrAddress_IgnoresMalformedPort(t *testing.T) {
	t.Setenv(EnvNetMgrHost, "")
	t.Setenv(EnvNetMgrPort, "not-a-number")
	addr := ResolveNetMgrAddress()
	assert.Equal(t, DefaultNetMgrPort, addr.Port)
}

func TestLoadAmbient_Defaults(t *testing.T) {
	t.Setenv(envLogLevel, "")
	t.Setenv(envLogPretty, "")
	t.Setenv(envHubNameWidth, "")
	amb := LoadAmbient()
	assert.Equal(t, "info", amb.LogLevel)
	assert.False(t, amb.LogPretty)
	assert.Equal(t, DefaultHubNameFieldWidth, amb.HubNameFieldWidth)
}
