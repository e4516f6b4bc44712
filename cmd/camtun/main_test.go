package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitRelay(t *testing.T) {
	testCases := []struct {
		in   string
		host string
		port uint16
	}{
		{"relay.example.com:8900", "relay.example.com", 8900},
		{"relay.example.com", "relay.example.com", 0},
		{"10.0.0.1:443", "10.0.0.1", 443},
		{"[::1]:8900", "::1", 8900},
		{"::1", "::1", 0},
		{"[2001:db8::2]", "2001:db8::2", 0},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			host, port := splitRelay(tc.in)
			assert.Equal(t, tc.host, host)
			assert.Equal(t, tc.port, port)
		})
	}
}
