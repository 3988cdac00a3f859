package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/veloterm/internal/ble"
)

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestShortServices(t *testing.T) {
	got := shortServices([]string{
		ble.ServiceHeartRate,
		"0000180D-0000-1000-8000-00805F9B34FB",
		ble.ServiceWahoo,
	})
	assert.Equal(t, []string{"180d", "180d", "a026e0050a7d4ab397faf1500f9feb8b"}, got)
}

func TestScanFormatValidation(t *testing.T) {
	scanFormat = "xml"
	defer func() { scanFormat = "table" }()
	err := runScan(scanCmd, nil)
	assert.ErrorContains(t, err, "invalid format")
}
