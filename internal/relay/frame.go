// Package relay implements the multi-tier stream relay: bridges push position
// frames to the control tier, which fans them out to subscribers such as the
// real-time tier. Every link runs the same BeginStream/EndStream handshake
// and HeartBeat echo protocol over a websocket.
package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
)

// Frame types
const (
	TypeRequest   = "request"
	TypeResponse  = "response"
	TypeHeartBeat = "HeartBeat"
	TypeGISData   = "GISData"
)

// Request and response names
const (
	RequestBeginStream  = "BeginStream"
	RequestEndStream    = "EndStream"
	ResponseBeginStream = "BgnStrm"
	ResponseEndStream   = "EndStrm"
)

// Wildcard as a stream param id subscribes to every device
const Wildcard = "*"

// StreamParam is one device of a BeginStream request
type StreamParam struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// WantsData reports whether the subscriber asked for the device's frames
func (p StreamParam) WantsData() bool {
	return strings.EqualFold(p.Data, "true")
}

// Request is a BeginStream or EndStream request
type Request struct {
	Type    string        `json:"type"`
	Request string        `json:"request"`
	ReqID   string        `json:"reqid"`
	Params  []StreamParam `json:"params,omitempty"`
	ZoneID  int64         `json:"zone_id,omitempty"`
}

// Response answers a Request. An empty Msg means success.
type Response struct {
	Type    string `json:"type"`
	Request string `json:"request"`
	ReqID   string `json:"reqid"`
	Msg     string `json:"msg"`
}

// HeartBeat must be echoed back unchanged
type HeartBeat struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// GISData is a position sample on the wire
type GISData struct {
	Type     string  `json:"type"`
	ID       string  `json:"ID"`
	TS       string  `json:"TS"`
	X        float64 `json:"X"`
	Y        float64 `json:"Y"`
	Z        float64 `json:"Z"`
	Bat      int     `json:"Bat"`
	CNF      float64 `json:"CNF"`
	GWID     string  `json:"GWID"`
	Sequence int64   `json:"Sequence"`
	ZoneID   int64   `json:"zone_id"`
}

// NewBeginStream builds a BeginStream request
func NewBeginStream(reqID string, params []StreamParam, zoneID int64) Request {
	return Request{Type: TypeRequest, Request: RequestBeginStream, ReqID: reqID, Params: params, ZoneID: zoneID}
}

// NewEndStream builds an EndStream request
func NewEndStream(reqID string) Request {
	return Request{Type: TypeRequest, Request: RequestEndStream, ReqID: reqID}
}

// NewResponse builds the response to a request
func NewResponse(request, reqID, msg string) Response {
	return Response{Type: TypeResponse, Request: request, ReqID: reqID, Msg: msg}
}

// NewHeartBeat builds a heartbeat stamped with t in epoch milliseconds
func NewHeartBeat(t time.Time) HeartBeat {
	return HeartBeat{Type: TypeHeartBeat, TS: t.UnixMilli()}
}

// GISFromSample converts a sample to its wire form
func GISFromSample(s events.PositionSample) GISData {
	return GISData{
		Type:     TypeGISData,
		ID:       s.DeviceID,
		TS:       s.Timestamp.UTC().Format(time.RFC3339Nano),
		X:        s.X,
		Y:        s.Y,
		Z:        s.Z,
		Bat:      s.BatteryLevel,
		CNF:      s.Confidence,
		GWID:     s.GatewayID,
		Sequence: s.SequenceNumber,
		ZoneID:   s.ZoneID,
	}
}

// Sample converts the frame to a sample. TS may be RFC 3339 or epoch
// milliseconds; an empty TS is stamped with the receive time.
func (g GISData) Sample() (events.PositionSample, error) {
	if g.ID == "" {
		return events.PositionSample{}, errs.Newf(errs.Protocol, "decode GISData", "missing ID")
	}
	ts, err := parseTimestamp(g.TS)
	if err != nil {
		return events.PositionSample{}, errs.New(errs.Protocol, "decode GISData", err)
	}
	return events.PositionSample{
		DeviceID:       g.ID,
		Timestamp:      ts,
		X:              g.X,
		Y:              g.Y,
		Z:              g.Z,
		Confidence:     g.CNF,
		GatewayID:      g.GWID,
		BatteryLevel:   g.Bat,
		SequenceNumber: g.Sequence,
		ZoneID:         g.ZoneID,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Now(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid TS %q", s)
	}
	return t, nil
}

// header holds the fields needed to route any frame
type header struct {
	Type    string `json:"type"`
	Request string `json:"request"`
	ID      string `json:"ID"`
	TagID   string `json:"tag_id"`
	ZoneID  int64  `json:"zone_id"`
}

func (h header) deviceID() string {
	if h.ID != "" {
		return h.ID
	}
	return h.TagID
}

func decodeHeader(data []byte) (header, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return h, errs.New(errs.Protocol, "decode frame", err)
	}
	if h.Type == "" {
		return h, errs.Newf(errs.Protocol, "decode frame", "frame has no type")
	}
	return h, nil
}

// Frame is an encoded frame ready for delivery with its routing keys
type Frame struct {
	Type     string
	DeviceID string
	ZoneID   int64
	Data     []byte
}

// EncodeSample encodes a sample as a GISData frame
func EncodeSample(s events.PositionSample) (Frame, error) {
	data, err := json.Marshal(GISFromSample(s))
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: TypeGISData, DeviceID: s.DeviceID, ZoneID: s.ZoneID, Data: data}, nil
}

// EncodeTriggerEvent encodes a trigger event frame
func EncodeTriggerEvent(ev events.TriggerEvent) (Frame, error) {
	ev.Type = events.TypeTriggerEvent
	data, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: ev.Type, DeviceID: ev.TagID, ZoneID: ev.ZoneID, Data: data}, nil
}

// EncodeRuleEvent encodes a rule event frame
func EncodeRuleEvent(ev events.RuleEvent) (Frame, error) {
	ev.Type = events.TypeRuleEvent
	data, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: ev.Type, DeviceID: ev.TagID, ZoneID: ev.ZoneID, Data: data}, nil
}

// DecodeFrame reads the routing keys of a raw frame received from upstream
func DecodeFrame(data []byte) (Frame, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: h.Type, DeviceID: h.deviceID(), ZoneID: h.ZoneID, Data: data}, nil
}
