package swr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/illmade-knight/go-clientcache/pkg/swr"
)

func TestTTLRegistry(t *testing.T) {
	registry := swr.NewTTLRegistry(0)
	registry.Register("grades", swr.TTLStaticReference)

	assert.Equal(t, swr.TTLStaticReference, registry.For("grades"))
	assert.Equal(t, swr.TTLVolatileListing, registry.For("never-registered"), "unregistered kinds use the fallback")

	registry.Register("grades", time.Minute)
	assert.Equal(t, time.Minute, registry.For("grades"), "re-registering replaces the TTL")
}
