package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		req    Request
		expect string
	}{
		{Request{Host: "staging.api.sensors.africa", Port: 80, Path: "/v1/push-sensor-data/"}, "http://staging.api.sensors.africa/v1/push-sensor-data/"},
		{Request{Host: "127.0.0.1", Port: 8080, Path: "/x"}, "http://127.0.0.1:8080/x"},
		{Request{Host: "h", Path: "/"}, "http://h/"},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, c.req.URL())
	}
	assert.True(t, StatusSuccess(201))
	assert.False(t, StatusSuccess(301))
	assert.Equal(t, "X-PIN: 1", Header{"X-PIN", "1"}.String())
}
