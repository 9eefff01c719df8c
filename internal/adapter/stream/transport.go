package stream

import (
	"net"
	"net/http"
	"time"

	"govstream/internal/infra/config"
)

// Default connection settings. Streams are long-lived, so only connection
// setup and response headers are bounded; the body may stay open indefinitely.
const (
	defaultConnTimeout         = 30 * time.Second
	defaultRespTimeout         = 60 * time.Second
	defaultMaxIdleConns        = 10
	defaultMaxIdleConnsPerHost = 4
	defaultIdleConnTimeout     = 90 * time.Second
)

// NewPooledTransport creates an http.Transport for streaming endpoints.
func NewPooledTransport(cfg config.StreamConfig) *http.Transport {
	connTimeout := cfg.ConnTimeout
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	respTimeout := cfg.RespTimeout
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}
	maxIdle := cfg.Pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := cfg.Pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	idleTimeout := cfg.Pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       cfg.Pool.MaxConnsPerHost, // 0 = unlimited
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient returns a client for stream requests. It deliberately has no
// overall Timeout: that would cut off healthy long-running streams.
func NewHTTPClient(cfg config.StreamConfig) *http.Client {
	return &http.Client{Transport: NewPooledTransport(cfg)}
}
