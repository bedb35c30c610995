package stream

import "testing"

func TestEndpoints(t *testing.T) {
	tests := []struct {
		name      string
		endpoints Endpoints
		ingest    string
		hls       string
		flv       string
	}{
		{
			name:      "defaults",
			endpoints: Endpoints{},
			ingest:    "rtmp://localhost:1935/live/abc",
			hls:       "http://localhost:8000/live/abc/index.m3u8",
			flv:       "http://localhost:8000/live/abc.flv",
		},
		{
			name:      "custom ports",
			endpoints: Endpoints{Host: "media.example.com", RTMPPort: 19350, HTTPPort: 8080},
			ingest:    "rtmp://media.example.com:19350/live/abc",
			hls:       "http://media.example.com:8080/live/abc/index.m3u8",
			flv:       "http://media.example.com:8080/live/abc.flv",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.endpoints.Ingest("abc"); got != tt.ingest {
				t.Fatalf("Ingest = %q, want %q", got, tt.ingest)
			}
			if got := tt.endpoints.HLS("abc"); got != tt.hls {
				t.Fatalf("HLS = %q, want %q", got, tt.hls)
			}
			if got := tt.endpoints.FLV("abc"); got != tt.flv {
				t.Fatalf("FLV = %q, want %q", got, tt.flv)
			}
		})
	}
}
