package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicedge/internal/edge"
	"clinicedge/internal/subscriptions"
)

func TestNewVerifier(t *testing.T) {
	cases := []struct {
		name      string
		secret    string
		backend   string
		wantLocal bool
		wantErr   bool
	}{
		{name: "jwt secret", secret: "s3cret", wantLocal: true},
		{name: "secret wins over backend", secret: "s3cret", backend: "https://abc.supabase.co", wantLocal: true},
		{name: "remote check", backend: "https://abc.supabase.co"},
		{name: "nothing to verify with", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg edge.Config
			cfg.Subscriptions.JWTSecret = tc.secret
			cfg.Backend.URL = tc.backend

			v, err := newVerifier(cfg)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Nil(t, v)
				return
			}
			require.NoError(t, err)
			if tc.wantLocal {
				assert.IsType(t, &subscriptions.JWTVerifier{}, v)
			} else {
				assert.IsType(t, &subscriptions.RemoteVerifier{}, v)
			}
		})
	}
}
