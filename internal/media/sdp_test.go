package media

import (
	"errors"
	"strings"
	"testing"
)

const remoteOffer = "v=0\r\n" +
	"o=alice 2890844526 2890844526 IN IP4 192.0.2.10\r\n" +
	"s=call\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 8 0 96 101\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:96 opus/48000/2\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-15\r\n" +
	"a=sendrecv\r\n"

func TestParseDescription(t *testing.T) {
	d, err := ParseDescription([]byte(remoteOffer))
	if err != nil {
		t.Fatalf("ParseDescription() error = %v", err)
	}
	if d.Addr != "192.0.2.10" {
		t.Errorf("Addr = %q, want %q", d.Addr, "192.0.2.10")
	}
	if d.Port != 49170 {
		t.Errorf("Port = %d, want 49170", d.Port)
	}
	if d.TelephoneEvent != 101 {
		t.Errorf("TelephoneEvent = %d, want 101", d.TelephoneEvent)
	}
	if d.Direction != DirectionSendRecv {
		t.Errorf("Direction = %q, want %q", d.Direction, DirectionSendRecv)
	}
	var names []string
	for _, c := range d.Codecs {
		names = append(names, c.Name)
	}
	if got := strings.Join(names, ","); got != "PCMA,PCMU,opus" {
		t.Errorf("Codecs = %s, want PCMA,PCMU,opus", got)
	}
}

func TestParseDescription_MediaConnectionAndStaticTypes(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 198.51.100.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"a=sendonly\r\n"

	d, err := ParseDescription([]byte(body))
	if err != nil {
		t.Fatalf("ParseDescription() error = %v", err)
	}
	if d.Addr != "198.51.100.7" {
		t.Errorf("Addr = %q, want %q", d.Addr, "198.51.100.7")
	}
	if len(d.Codecs) != 1 || d.Codecs[0] != CodecPCMU {
		t.Errorf("Codecs = %v, want [%v]", d.Codecs, CodecPCMU)
	}
	if d.Direction != DirectionSendOnly {
		t.Errorf("Direction = %q, want %q", d.Direction, DirectionSendOnly)
	}
}

func TestParseDescription_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"garbage", "not sdp"},
		{"no audio", "v=0\r\no=- 1 1 IN IP4 1.2.3.4\r\ns=-\r\nc=IN IP4 1.2.3.4\r\nt=0 0\r\nm=video 5000 RTP/AVP 96\r\n"},
		{"no connection", "v=0\r\no=- 1 1 IN IP4 1.2.3.4\r\ns=-\r\nt=0 0\r\nm=audio 5000 RTP/AVP 0\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDescription([]byte(tt.body)); err == nil {
				t.Error("ParseDescription() error = nil, want error")
			}
		})
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name    string
		remote  []Codec
		want    Codec
		wantErr error
	}{
		{"remote preference wins", []Codec{CodecPCMA, CodecPCMU}, CodecPCMA, nil},
		{"skips unsupported", []Codec{{PayloadType: 96, Name: "opus", ClockRate: 48000}, CodecPCMU}, CodecPCMU, nil},
		{"case insensitive", []Codec{{PayloadType: 0, Name: "pcmu", ClockRate: 8000}}, CodecPCMU, nil},
		{"none", []Codec{{PayloadType: 18, Name: "G729", ClockRate: 8000}}, Codec{}, ErrNoCommonCodec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Negotiate(&Description{Codecs: tt.remote})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Negotiate() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Negotiate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildOffer(t *testing.T) {
	body, err := BuildOffer("203.0.113.5", 10000, 42)
	if err != nil {
		t.Fatalf("BuildOffer() error = %v", err)
	}

	d, err := ParseDescription(body)
	if err != nil {
		t.Fatalf("ParseDescription(offer) error = %v", err)
	}
	if d.Addr != "203.0.113.5" || d.Port != 10000 {
		t.Errorf("endpoint = %s:%d, want 203.0.113.5:10000", d.Addr, d.Port)
	}
	if len(d.Codecs) != 2 || d.Codecs[0] != CodecPCMU || d.Codecs[1] != CodecPCMA {
		t.Errorf("Codecs = %v, want [PCMU PCMA]", d.Codecs)
	}
	if d.TelephoneEvent != PayloadTelephoneEvent {
		t.Errorf("TelephoneEvent = %d, want %d", d.TelephoneEvent, PayloadTelephoneEvent)
	}
	if !strings.Contains(string(body), "a=ptime:20") {
		t.Errorf("offer missing ptime:\n%s", body)
	}
}

func TestBuildAnswer(t *testing.T) {
	body, err := BuildAnswer("2001:db8::1", 10002, 7, CodecPCMA, 0)
	if err != nil {
		t.Fatalf("BuildAnswer() error = %v", err)
	}
	if !strings.Contains(string(body), "c=IN IP6 2001:db8::1") {
		t.Errorf("answer missing IP6 connection:\n%s", body)
	}

	d, err := ParseDescription(body)
	if err != nil {
		t.Fatalf("ParseDescription(answer) error = %v", err)
	}
	if len(d.Codecs) != 1 || d.Codecs[0] != CodecPCMA {
		t.Errorf("Codecs = %v, want [PCMA]", d.Codecs)
	}
	if d.TelephoneEvent != 0 {
		t.Errorf("TelephoneEvent = %d, want 0", d.TelephoneEvent)
	}
}
