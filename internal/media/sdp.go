package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Codec is an RTP audio payload format.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

func (c Codec) String() string {
	return fmt.Sprintf("%s/%d (pt=%d)", c.Name, c.ClockRate, c.PayloadType)
}

// Static payload types used by the phone.
const (
	PayloadPCMU = 0
	PayloadPCMA = 8

	// PayloadTelephoneEvent is the dynamic payload type offered for RFC 4733
	// DTMF events.
	PayloadTelephoneEvent = 101
)

var (
	CodecPCMU = Codec{PayloadType: PayloadPCMU, Name: "PCMU", ClockRate: 8000}
	CodecPCMA = Codec{PayloadType: PayloadPCMA, Name: "PCMA", ClockRate: 8000}
)

// supportedCodecs lists the audio codecs offered, in preference order.
var supportedCodecs = []Codec{CodecPCMU, CodecPCMA}

// ErrNoCommonCodec is returned when the remote side offers no codec the
// phone can encode.
var ErrNoCommonCodec = errors.New("no common audio codec")

// Direction values from the a=sendrecv family of attributes.
const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
	DirectionRecvOnly = "recvonly"
	DirectionInactive = "inactive"
)

// Description is the audio part of a remote session description.
type Description struct {
	Addr      string
	Port      int
	Codecs    []Codec
	Direction string

	// TelephoneEvent is the payload type the remote uses for DTMF events,
	// or zero when none was offered.
	TelephoneEvent uint8
}

// UDPAddr returns the remote RTP address.
func (d *Description) UDPAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(d.Addr)
	if ip == nil {
		addrs, err := net.LookupIP(d.Addr)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("resolving media address %q: %w", d.Addr, err)
		}
		ip = addrs[0]
	}
	return &net.UDPAddr{IP: ip, Port: d.Port}, nil
}

// ParseDescription parses an SDP body and extracts its first audio stream.
func ParseDescription(body []byte) (*Description, error) {
	if len(body) == 0 {
		return nil, errors.New("empty sdp body")
	}

	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, errors.New("sdp has no audio stream")
	}

	d := &Description{
		Port:      audio.MediaName.Port.Value,
		Direction: DirectionSendRecv,
	}

	switch {
	case audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil:
		d.Addr = audio.ConnectionInformation.Address.Address
	case sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil:
		d.Addr = sd.ConnectionInformation.Address.Address
	default:
		return nil, errors.New("sdp has no connection address")
	}

	rtpmaps := make(map[uint8]Codec)
	for _, attr := range audio.Attributes {
		switch attr.Key {
		case "rtpmap":
			if c, ok := parseRtpmap(attr.Value); ok {
				rtpmaps[c.PayloadType] = c
			}
		case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
			d.Direction = attr.Key
		}
	}

	for _, f := range audio.MediaName.Formats {
		n, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			continue
		}
		pt := uint8(n)
		c, ok := rtpmaps[pt]
		if !ok {
			c, ok = staticCodec(pt)
		}
		if !ok {
			continue
		}
		if strings.EqualFold(c.Name, "telephone-event") {
			d.TelephoneEvent = pt
			continue
		}
		d.Codecs = append(d.Codecs, c)
	}

	return d, nil
}

// parseRtpmap parses "<pt> <name>/<rate>[/<channels>]".
func parseRtpmap(value string) (Codec, bool) {
	ptStr, rest, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok {
		return Codec{}, false
	}
	pt, err := strconv.ParseUint(ptStr, 10, 8)
	if err != nil {
		return Codec{}, false
	}
	parts := strings.Split(strings.TrimSpace(rest), "/")
	if len(parts) < 2 {
		return Codec{}, false
	}
	rate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Codec{}, false
	}
	return Codec{PayloadType: uint8(pt), Name: parts[0], ClockRate: uint32(rate)}, true
}

func staticCodec(pt uint8) (Codec, bool) {
	switch pt {
	case PayloadPCMU:
		return CodecPCMU, true
	case PayloadPCMA:
		return CodecPCMA, true
	}
	return Codec{}, false
}

// Negotiate picks the first remote codec the phone supports.
func Negotiate(remote *Description) (Codec, error) {
	for _, rc := range remote.Codecs {
		for _, c := range supportedCodecs {
			if strings.EqualFold(rc.Name, c.Name) && rc.ClockRate == c.ClockRate {
				// Keep the remote payload number for dynamic mappings.
				c.PayloadType = rc.PayloadType
				return c, nil
			}
		}
	}
	return Codec{}, ErrNoCommonCodec
}

// BuildOffer creates an SDP offer for every supported codec plus
// telephone-event.
func BuildOffer(addr string, port int, sessionID uint64) ([]byte, error) {
	return buildDescription(addr, port, sessionID, supportedCodecs, PayloadTelephoneEvent)
}

// BuildAnswer creates an SDP answer carrying the negotiated codec. dtmf is
// the remote telephone-event payload type, or zero to leave it out.
func BuildAnswer(addr string, port int, sessionID uint64, codec Codec, dtmf uint8) ([]byte, error) {
	return buildDescription(addr, port, sessionID, []Codec{codec}, dtmf)
}

func buildDescription(addr string, port int, sessionID uint64, codecs []Codec, dtmf uint8) ([]byte, error) {
	addrType := "IP4"
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}

	formats := make([]string, 0, len(codecs)+1)
	attrs := make([]sdp.Attribute, 0, len(codecs)+4)
	for _, c := range codecs {
		pt := strconv.Itoa(int(c.PayloadType))
		formats = append(formats, pt)
		attrs = append(attrs, sdp.NewAttribute("rtpmap", fmt.Sprintf("%s %s/%d", pt, c.Name, c.ClockRate)))
	}
	if dtmf != 0 {
		pt := strconv.Itoa(int(dtmf))
		formats = append(formats, pt)
		attrs = append(attrs,
			sdp.NewAttribute("rtpmap", pt+" telephone-event/8000"),
			sdp.NewAttribute("fmtp", pt+" 0-15"),
		)
	}
	attrs = append(attrs,
		sdp.NewAttribute("ptime", "20"),
		sdp.NewPropertyAttribute(DirectionSendRecv),
	)

	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "flowphone",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: addr,
		},
		SessionName: "flowphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	body, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp: %w", err)
	}
	return body, nil
}
