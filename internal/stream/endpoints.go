package stream

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoints builds the ingest and playback URLs handed to the media server.
type Endpoints struct {
	Host     string
	RTMPPort int
	HTTPPort int
}

func (e Endpoints) host() string {
	host := strings.TrimSpace(e.Host)
	if host == "" {
		return "localhost"
	}
	return host
}

func (e Endpoints) rtmpAddr() string {
	port := e.RTMPPort
	if port <= 0 {
		port = 1935
	}
	return net.JoinHostPort(e.host(), strconv.Itoa(port))
}

func (e Endpoints) httpAddr() string {
	port := e.HTTPPort
	if port <= 0 {
		port = 8000
	}
	return net.JoinHostPort(e.host(), strconv.Itoa(port))
}

// Ingest is the RTMP publish URL for secret.
func (e Endpoints) Ingest(secret string) string {
	return fmt.Sprintf("rtmp://%s/live/%s", e.rtmpAddr(), secret)
}

// HLS is the playlist URL for secret.
func (e Endpoints) HLS(secret string) string {
	return fmt.Sprintf("http://%s/live/%s/index.m3u8", e.httpAddr(), secret)
}

// FLV is the HTTP-FLV URL for secret.
func (e Endpoints) FLV(secret string) string {
	return fmt.Sprintf("http://%s/live/%s.flv", e.httpAddr(), secret)
}
