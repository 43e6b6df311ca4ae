package commsutil

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type TestPayload struct {
		ServiceID string   `json:"serviceId"`
		Hostname  string   `json:"hostname"`
		Port      int      `json:"port"`
		Channels  []string `json:"supportedCommunicationChannels"`
	}

	original := TestPayload{
		ServiceID: "exchange-service",
		Hostname:  "exchange",
		Port:      8002,
		Channels:  []string{"bus", "rest"},
	}

	data, err := EncodePayload(original)
	if err != nil {
		t.Fatalf("commsutil:codec_test - encode failed: %v", err)
	}

	var decoded TestPayload
	err = DecodePayload(data, &decoded)
	if err != nil {
		t.Fatalf("commsutil:codec_test - decode failed: %v", err)
	}

	if decoded.ServiceID != original.ServiceID {
		t.Errorf("commsutil:codec_test - ServiceID = %q, want %q", decoded.ServiceID, original.ServiceID)
	}
	if decoded.Port != original.Port {
		t.Errorf("commsutil:codec_test - Port = %d, want %d", decoded.Port, original.Port)
	}
	if len(decoded.Channels) != len(original.Channels) {
		t.Errorf("commsutil:codec_test - Channels length = %d, want %d", len(decoded.Channels), len(original.Channels))
	}
}

func TestToMap(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	m, err := ToMap(payload{Name: "svc", Count: 2})
	if err != nil {
		t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
	}
	if m["name"] != "svc" || m["count"] != float64(2) {
		t.Errorf("commsutil:codec_test - ToMap() = %v", m)
	}

	empty, err := ToMap(nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("commsutil:codec_test - ToMap(nil) = %v, %v; want empty map", empty, err)
	}

	src := map[string]interface{}{"a": 1}
	cp, err := ToMap(src)
	if err != nil {
		t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
	}
	cp["b"] = 2
	if _, ok := src["b"]; ok {
		t.Errorf("commsutil:codec_test - ToMap must copy maps, source was mutated")
	}

	if _, err := ToMap([]int{1, 2}); err == nil {
		t.Errorf("commsutil:codec_test - expected error for non-object payload")
	}
}

func TestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    ID
		wantErr bool
	}{
		{name: "string", data: `"abc"`, want: "abc"},
		{name: "integer", data: `42`, want: "42"},
		{name: "null", data: `null`, want: ""},
		{name: "float", data: `1.5`, want: "1.5"},
		{name: "object", data: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ID
			err := DecodePayload([]byte(tt.data), &got)
			if tt.wantErr {
				if err == nil {
					t.Fatal("commsutil:codec_test - expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("commsutil:codec_test - ID = %q, want %q", got, tt.want)
			}
		})
	}
}
