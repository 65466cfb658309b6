package coap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/rs/xid"
)

// CType represents the message type.
type CType uint8

const (
	// Confirmable messages require acknowledgements.
	Confirmable CType = 0
	// NonConfirmable messages do not require acknowledgements.
	NonConfirmable CType = 1
	// Acknowledgement is a message indicating a response to confirmable message.
	Acknowledgement CType = 2
	// Reset indicates a permanent negative acknowledgement.
	Reset CType = 3
)

var typeNames = [256]string{
	Confirmable:     "Confirmable",
	NonConfirmable:  "NonConfirmable",
	Acknowledgement: "Acknowledgement",
	Reset:           "Reset",
}

func init() {
	for i := range typeNames {
		if typeNames[i] == "" {
			typeNames[i] = fmt.Sprintf("Unknown (0x%x)", i)
		}
	}
}

func (t CType) String() string {
	return typeNames[t]
}

// CCode is the type used for both request and response codes.
type CCode uint8

// Request Codes
const (
	GET    CCode = 1
	POST   CCode = 2
	PUT    CCode = 3
	DELETE CCode = 4
)

// Response Codes
const (
	Empty                 CCode = 0
	Created               CCode = 65
	Deleted               CCode = 66
	Valid                 CCode = 67
	Changed               CCode = 68
	Content               CCode = 69
	Continue              CCode = 95 // 2.31, Block1 continuation
	BadRequest            CCode = 128
	Unauthorized          CCode = 129
	BadOption             CCode = 130
	Forbidden             CCode = 131
	NotFound              CCode = 132
	MethodNotAllowed      CCode = 133
	NotAcceptable         CCode = 134
	RequestEntityIncomp   CCode = 136
	PreconditionFailed    CCode = 140
	RequestEntityTooLarge CCode = 141
	UnsupportedMediaType  CCode = 143
	InternalServerError   CCode = 160
	NotImplemented        CCode = 161
	BadGateway            CCode = 162
	ServiceUnavailable    CCode = 163
	GatewayTimeout        CCode = 164
	ProxyingNotSupported  CCode = 165
)

var codeNames = [256]string{
	GET:                   "GET",
	POST:                  "POST",
	PUT:                   "PUT",
	DELETE:                "DELETE",
	Empty:                 "Empty",
	Created:               "Created",
	Deleted:               "Deleted",
	Valid:                 "Valid",
	Changed:               "Changed",
	Content:               "Content",
	Continue:              "Continue",
	BadRequest:            "BadRequest",
	Unauthorized:          "Unauthorized",
	BadOption:             "BadOption",
	Forbidden:             "Forbidden",
	NotFound:              "NotFound",
	MethodNotAllowed:      "MethodNotAllowed",
	NotAcceptable:         "NotAcceptable",
	RequestEntityIncomp:   "RequestEntityIncomplete",
	PreconditionFailed:    "PreconditionFailed",
	RequestEntityTooLarge: "RequestEntityTooLarge",
	UnsupportedMediaType:  "UnsupportedMediaType",
	InternalServerError:   "InternalServerError",
	NotImplemented:        "NotImplemented",
	BadGateway:            "BadGateway",
	ServiceUnavailable:    "ServiceUnavailable",
	GatewayTimeout:        "GatewayTimeout",
	ProxyingNotSupported:  "ProxyingNotSupported",
}

func init() {
	for i := range codeNames {
		if codeNames[i] == "" {
			codeNames[i] = fmt.Sprintf("Unknown (0x%x)", i)
		}
	}
}

func (c CCode) String() string {
	return codeNames[c]
}

// IsRequest reports whether c falls in the 0.01-0.04 request range.
func (c CCode) IsRequest() bool {
	return c >= 1 && c <= 4
}

// IsResponse reports whether c falls in the 2.xx/4.xx/5.xx response range
// (RFC 7252 §3: class 3 is reserved and never a valid response code).
func (c CCode) IsResponse() bool {
	class := c >> 5
	return class == 2 || class == 4 || class == 5
}

// Message is a CoAP message (RFC 7252 §3).
type Message struct {
	Type      CType
	Code      CCode
	MessageID uint16

	Token, Payload []byte

	Source, Destination *net.UDPAddr

	// Transient flags, mutated under the owning Transaction's lock.
	Acknowledged  bool
	Rejected      bool
	Timeouted     bool
	Duplicated    bool
	Retransmitted bool

	// NotificationPath marks an outbound message as a subscription
	// notification, so a retransmission timeout or RST deregisters the
	// subscriber instead of reaching a client's on-timeout callback.
	NotificationPath string

	// traceID correlates a message's lifecycle across log lines; it is
	// never placed on the wire.
	traceID xid.ID

	opts options
}

// NewMessage allocates a Message with a fresh trace id.
func NewMessage() *Message {
	return &Message{traceID: xid.New()}
}

// TraceID returns the message's log-correlation id.
func (m *Message) TraceID() string {
	if m.traceID.IsZero() {
		m.traceID = xid.New()
	}
	return m.traceID.String()
}

// IsConfirmable returns true if this message is confirmable.
func (m Message) IsConfirmable() bool {
	return m.Type == Confirmable
}

// Options gets all the values for the given option.
func (m Message) Options(o OptionID) []interface{} {
	var rv []interface{}
	for _, v := range m.opts {
		if o == v.ID {
			rv = append(rv, v.Value)
		}
	}
	return rv
}

// Option gets the first value for the given option ID.
func (m Message) Option(o OptionID) interface{} {
	for _, v := range m.opts {
		if o == v.ID {
			return v.Value
		}
	}
	return nil
}

// Path gets the Uri-Path set on this message, if any.
func (m Message) Path() []string {
	return optionStrings(m.Options(URIPath))
}

// PathString gets a path as a / separated string.
func (m Message) PathString() string {
	return joinPath(m.Path())
}

// SetPathString sets a path by a / separated string.
func (m *Message) SetPathString(s string) {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	m.SetPath(strings.Split(s, "/"))
}

// SetPath updates or adds Uri-Path options on this message.
func (m *Message) SetPath(s []string) {
	m.SetOption(URIPath, s)
}

// RemoveOption removes all references to an option.
func (m *Message) RemoveOption(opID OptionID) {
	m.opts = m.opts.Minus(opID)
}

// AddOption adds an option, fanning a []string out into repeated options.
func (m *Message) AddOption(opID OptionID, val interface{}) {
	if iv, ok := isSliceOfString(val); ok {
		for i := 0; i < iv.Len(); i++ {
			m.opts = append(m.opts, option{opID, iv.Index(i).Interface()})
		}
		return
	}
	m.opts = append(m.opts, option{opID, val})
}

// SetOption sets an option, discarding any previous value(s).
func (m *Message) SetOption(opID OptionID, val interface{}) {
	m.RemoveOption(opID)
	m.AddOption(opID, val)
}

const (
	extoptByteCode   = 13
	extoptByteAddend = 13
	extoptWordCode   = 14
	extoptWordAddend = 269
	extoptError      = 15
)

// MarshalBinary produces the binary form of this Message (RFC 7252 §3).
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, ErrInvalidTokenLen
	}

	tmpbuf := []byte{0, 0}
	binary.BigEndian.PutUint16(tmpbuf, m.MessageID)

	/*
	     0                   1                   2                   3
	    0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |Ver| T |  TKL  |      Code     |          Message ID           |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |   Token (if any, TKL bytes) ...
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |   Options (if any) ...
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |1 1 1 1 1 1 1 1|    Payload (if any) ...
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/

	buf := bytes.Buffer{}
	buf.Write([]byte{
		(1 << 6) | (uint8(m.Type) << 4) | uint8(0xf&len(m.Token)),
		byte(m.Code),
		tmpbuf[0], tmpbuf[1],
	})
	buf.Write(m.Token)

	extendOpt := func(opt int) (int, int) {
		ext := 0
		if opt >= extoptByteAddend {
			if opt >= extoptWordAddend {
				ext = opt - extoptWordAddend
				opt = extoptWordCode
			} else {
				ext = opt - extoptByteAddend
				opt = extoptByteCode
			}
		}
		return opt, ext
	}

	writeOptHeader := func(delta, length int) {
		d, dx := extendOpt(delta)
		l, lx := extendOpt(length)

		buf.WriteByte(byte(d<<4) | byte(l))

		tmp := []byte{0, 0}
		writeExt := func(opt, ext int) {
			switch opt {
			case extoptByteCode:
				buf.WriteByte(byte(ext))
			case extoptWordCode:
				binary.BigEndian.PutUint16(tmp, uint16(ext))
				buf.Write(tmp)
			}
		}

		writeExt(d, dx)
		writeExt(l, lx)
	}

	sorted := m.opts.sorted()
	prev := 0
	for _, o := range sorted {
		b := o.toBytes()
		if len(b) > 1034 {
			return nil, ErrOptionTooLong
		}
		delta := int(o.ID) - prev
		if delta < 0 {
			return nil, ErrOptionGapTooLarge
		}
		writeOptHeader(delta, len(b))
		buf.Write(b)
		prev = int(o.ID)
	}

	if len(m.Payload) > 0 {
		buf.Write([]byte{0xff})
	}
	buf.Write(m.Payload)

	return buf.Bytes(), nil
}

// ParseMessage extracts the Message from the given input.
func ParseMessage(data []byte) (Message, error) {
	rv := Message{}
	return rv, rv.UnmarshalBinary(data)
}

// UnmarshalBinary parses the given binary slice as a Message. Unknown
// critical options fail the decode with ErrUnknownCritical; unrecognized
// elective options are preserved as opaque bytes (RFC 7252 §5.4.1).
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return ErrMalformedHeader
	}

	if data[0]>>6 != 1 {
		return ErrBadVersion
	}

	m.Type = CType((data[0] >> 4) & 0x3)
	tokenLen := int(data[0] & 0xf)
	if tokenLen > 8 {
		return ErrInvalidTokenLen
	}

	m.Code = CCode(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	if len(data) < 4+tokenLen {
		return ErrMalformedHeader
	}
	if tokenLen > 0 {
		m.Token = make([]byte, tokenLen)
		copy(m.Token, data[4:4+tokenLen])
	}
	b := data[4+tokenLen:]
	prev := 0

	parseExtOpt := func(opt int) (int, error) {
		switch opt {
		case extoptByteCode:
			if len(b) < 1 {
				return -1, ErrMalformedOption
			}
			opt = int(b[0]) + extoptByteAddend
			b = b[1:]
		case extoptWordCode:
			if len(b) < 2 {
				return -1, ErrMalformedOption
			}
			opt = int(binary.BigEndian.Uint16(b[:2])) + extoptWordAddend
			b = b[2:]
		}
		return opt, nil
	}

	for len(b) > 0 {
		if b[0] == 0xff {
			b = b[1:]
			if len(b) == 0 {
				return ErrPayloadMarkerEmpty
			}
			break
		}

		delta := int(b[0] >> 4)
		length := int(b[0] & 0x0f)

		if delta == extoptError || length == extoptError {
			return ErrMalformedOption
		}

		b = b[1:]

		delta, err := parseExtOpt(delta)
		if err != nil {
			return err
		}
		length, err = parseExtOpt(length)
		if err != nil {
			return err
		}

		if len(b) < length {
			return ErrMalformedOption
		}

		oid := OptionID(prev + delta)
		raw := b[:length]
		opval, ok := parseOptionValue(oid, raw)
		b = b[length:]
		prev = int(oid)

		if ok {
			m.opts = append(m.opts, option{ID: oid, Value: opval})
		} else if isCritical(oid) {
			return ErrUnknownCritical
		} else if _, known := optionDefs[oid]; !known {
			// unrecognized elective options are kept as opaque bytes
			m.opts = append(m.opts, option{ID: oid, Value: append([]byte{}, raw...)})
		}
		// a recognized elective option with an illegal-length value is
		// dropped (RFC 7252 §5.4.3)
	}
	m.Payload = b
	return nil
}

// ClassifyWire reports the category of a decoded message's code: empty,
// request, response, or malformed (an unassigned class, e.g. 3.xx).
func ClassifyWire(code CCode) string {
	switch {
	case code == Empty:
		return "empty"
	case code.IsRequest():
		return "request"
	case code.IsResponse():
		return "response"
	default:
		return "malformed"
	}
}
