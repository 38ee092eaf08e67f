// ABOUTME: Protocol message types and their binary layouts
// ABOUTME: Every message is magic, type tag, then a type-specific payload
package wire

import "fmt"

// MessageType is the one-byte tag after the magic.
type MessageType uint8

const (
	TypeClientState       MessageType = 1
	TypeVoiceData         MessageType = 2
	TypeTextData          MessageType = 3
	TypeHandshakeRequest  MessageType = 4
	TypeHandshakeResponse MessageType = 5
	TypeErrorWrongSession MessageType = 6
	TypeRelayReliable     MessageType = 7
	TypeRelayUnreliable   MessageType = 8
	TypeDeltaChannelState MessageType = 9
	TypeRemoveClient      MessageType = 10
)

// Valid reports whether t is a known tag.
func (t MessageType) Valid() bool {
	return t >= TypeClientState && t <= TypeRemoveClient
}

func (t MessageType) String() string {
	switch t {
	case TypeClientState:
		return "ClientState"
	case TypeVoiceData:
		return "VoiceData"
	case TypeTextData:
		return "TextData"
	case TypeHandshakeRequest:
		return "HandshakeRequest"
	case TypeHandshakeResponse:
		return "HandshakeResponse"
	case TypeErrorWrongSession:
		return "ErrorWrongSession"
	case TypeRelayReliable:
		return "RelayReliable"
	case TypeRelayUnreliable:
		return "RelayUnreliable"
	case TypeDeltaChannelState:
		return "DeltaChannelState"
	case TypeRemoveClient:
		return "RemoveClient"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// headerSize is magic + type.
const headerSize = 3

// Codec identifies the audio codec a client encodes with.
type Codec uint8

const (
	CodecPCM  Codec = 0
	CodecOpus Codec = 1
)

func (c Codec) String() string {
	switch c {
	case CodecPCM:
		return "pcm"
	case CodecOpus:
		return "opus"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// CodecSettings describes a client's encoded stream.
type CodecSettings struct {
	Codec      Codec
	FrameSize  uint32 // samples per channel per frame
	SampleRate uint32
}

func (c CodecSettings) write(w *Writer) {
	w.WriteU8(uint8(c.Codec))
	w.WriteU32(c.FrameSize)
	w.WriteU32(c.SampleRate)
}

func readCodecSettings(r *Reader) CodecSettings {
	return CodecSettings{
		Codec:      Codec(r.ReadU8()),
		FrameSize:  r.ReadU32(),
		SampleRate: r.ReadU32(),
	}
}

const codecSettingsSize = 1 + 4 + 4

// Message is implemented by every protocol message.
type Message interface {
	Type() MessageType
	// Size is the exact encoded length including the header.
	Size() int
	write(w *Writer)
}

// Encode writes m into buf and returns the written prefix. A buffer that is
// too small yields a FramingError.
func Encode(m Message, buf []byte) ([]byte, error) {
	w := NewWriter(buf)
	w.WriteHeader(m.Type())
	m.write(w)
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return w.Bytes(), nil
}

// Marshal allocates an exactly sized buffer and encodes m into it.
func Marshal(m Message) ([]byte, error) {
	return Encode(m, make([]byte, m.Size()))
}

// PeekType validates the header and returns the message type.
func PeekType(p []byte) (MessageType, error) {
	return NewReader(p).ReadHeader()
}

// PeekSession returns the session id stamped on p. Messages that carry no
// session (ErrorWrongSession) return ok=false.
func PeekSession(p []byte) (session uint32, ok bool, err error) {
	r := NewReader(p)
	t, err := r.ReadHeader()
	if err != nil {
		return 0, false, err
	}
	if t == TypeErrorWrongSession {
		return 0, false, nil
	}
	session = r.ReadU32()
	if r.Err() != nil {
		return 0, false, r.Err()
	}
	return session, true, nil
}

// Decode parses any known message.
func Decode(p []byte) (Message, error) {
	r := NewReader(p)
	t, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}
	var m Message
	switch t {
	case TypeClientState:
		m = readClientState(r)
	case TypeVoiceData:
		m = readVoiceData(r)
	case TypeTextData:
		m = readTextData(r)
	case TypeHandshakeRequest:
		m = readHandshakeRequest(r)
	case TypeHandshakeResponse:
		m = readHandshakeResponse(r)
	case TypeErrorWrongSession:
		m = &ErrorWrongSession{Expected: r.ReadU32()}
	case TypeRelayReliable, TypeRelayUnreliable:
		m = readRelay(r, t == TypeRelayReliable)
	case TypeDeltaChannelState:
		m = readDeltaChannelState(r)
	case TypeRemoveClient:
		m = &RemoveClient{Session: r.ReadU32(), ClientID: r.ReadU16()}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return m, nil
}

// DecodeVoiceData parses p as a VoiceData message.
func DecodeVoiceData(p []byte) (*VoiceData, error) {
	r := NewReader(p)
	t, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}
	if t != TypeVoiceData {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedType, t)
	}
	m := readVoiceData(r)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return m, nil
}

// ChannelEntry is one packed channel bitfield and its recipient.
type ChannelEntry struct {
	Bitfield  uint16
	Recipient uint16
}

const extendedSessionFlag = 0x80

// VoiceData carries one encoded frame addressed to a set of channels.
type VoiceData struct {
	Session uint32
	Sender  uint16
	// ChannelSession is the sender's 7-bit channel epoch.
	ChannelSession uint8
	Sequence       uint16
	Channels       []ChannelEntry
	// Payload aliases the decoded buffer.
	Payload []byte
}

func (*VoiceData) Type() MessageType { return TypeVoiceData }

func (m *VoiceData) Size() int {
	return headerSize + 4 + 2 + 1 + 2 + 2 + 4*len(m.Channels) + 2 + len(m.Payload)
}

func (m *VoiceData) write(w *Writer) {
	w.WriteU32(m.Session)
	w.WriteU16(m.Sender)
	w.WriteU8(extendedSessionFlag | (m.ChannelSession & 0x7F))
	w.WriteU16(m.Sequence)
	if !w.WriteCount("channels", len(m.Channels)) {
		return
	}
	for _, c := range m.Channels {
		w.WriteU16(c.Bitfield)
		w.WriteU16(c.Recipient)
	}
	w.WriteBytes(m.Payload)
}

func readVoiceData(r *Reader) *VoiceData {
	m := &VoiceData{
		Session: r.ReadU32(),
		Sender:  r.ReadU16(),
	}
	packed := r.ReadU8()
	if packed&extendedSessionFlag != 0 {
		m.ChannelSession = packed & 0x7F
	} else {
		m.ChannelSession = packed & 0x03
	}
	m.Sequence = r.ReadU16()
	n := int(r.ReadU16())
	// Each entry is 4 bytes; refuse counts the buffer cannot hold before allocating.
	if r.Err() == nil && n*4 > r.Remaining() {
		r.take("channels", n*4)
		return m
	}
	m.Channels = make([]ChannelEntry, n)
	for i := range m.Channels {
		m.Channels[i] = ChannelEntry{Bitfield: r.ReadU16(), Recipient: r.ReadU16()}
	}
	m.Payload = r.ReadBytes()
	return m
}

// ClientInfo is the session-independent part of a client's state.
type ClientInfo struct {
	Name     string
	ClientID uint16
	Codec    CodecSettings
	Rooms    []string
}

func (c *ClientInfo) size() int {
	n := 2 + len(c.Name) + 2 + codecSettingsSize + 2
	for _, room := range c.Rooms {
		n += 2 + len(room)
	}
	return n
}

func (c *ClientInfo) write(w *Writer) {
	w.WriteText(c.Name)
	w.WriteU16(c.ClientID)
	c.Codec.write(w)
	if !w.WriteCount("rooms", len(c.Rooms)) {
		return
	}
	for _, room := range c.Rooms {
		w.WriteText(room)
	}
}

func readClientInfo(r *Reader) ClientInfo {
	c := ClientInfo{
		Name:     r.ReadText(),
		ClientID: r.ReadU16(),
		Codec:    readCodecSettings(r),
	}
	c.Rooms = readStrings(r)
	return c
}

func readStrings(r *Reader) []string {
	n := int(r.ReadU16())
	// Every string costs at least its 2-byte prefix.
	if r.Err() != nil || n*2 > r.Remaining() {
		r.take("strings", n*2)
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		out = append(out, r.ReadText())
	}
	return out
}

// ClientState announces a client's full state to the server.
type ClientState struct {
	Session uint32
	ClientInfo
}

func (*ClientState) Type() MessageType { return TypeClientState }

func (m *ClientState) Size() int { return headerSize + 4 + m.ClientInfo.size() }

func (m *ClientState) write(w *Writer) {
	w.WriteU32(m.Session)
	m.ClientInfo.write(w)
}

func readClientState(r *Reader) *ClientState {
	return &ClientState{Session: r.ReadU32(), ClientInfo: readClientInfo(r)}
}

// DeltaChannelState reports one peer joining or leaving a room.
type DeltaChannelState struct {
	Session uint32
	Joined  bool
	Peer    uint16
	Room    string
}

func (*DeltaChannelState) Type() MessageType { return TypeDeltaChannelState }

func (m *DeltaChannelState) Size() int { return headerSize + 4 + 1 + 2 + 2 + len(m.Room) }

func (m *DeltaChannelState) write(w *Writer) {
	w.WriteU32(m.Session)
	var joined uint8
	if m.Joined {
		joined = 1
	}
	w.WriteU8(joined)
	w.WriteU16(m.Peer)
	w.WriteText(m.Room)
}

func readDeltaChannelState(r *Reader) *DeltaChannelState {
	return &DeltaChannelState{
		Session: r.ReadU32(),
		Joined:  r.ReadU8() != 0,
		Peer:    r.ReadU16(),
		Room:    r.ReadText(),
	}
}

// HandshakeRequest opens a connection. The session field is always 0.
type HandshakeRequest struct {
	Codec CodecSettings
	Name  string
}

func (*HandshakeRequest) Type() MessageType { return TypeHandshakeRequest }

func (m *HandshakeRequest) Size() int { return headerSize + 4 + codecSettingsSize + 2 + len(m.Name) }

func (m *HandshakeRequest) write(w *Writer) {
	w.WriteU32(0)
	m.Codec.write(w)
	w.WriteText(m.Name)
}

func readHandshakeRequest(r *Reader) *HandshakeRequest {
	r.ReadU32()
	return &HandshakeRequest{Codec: readCodecSettings(r), Name: r.ReadText()}
}

// HandshakeResponse assigns the session and client id and snapshots the roster.
type HandshakeResponse struct {
	Session  uint32
	ClientID uint16
	Clients  []ClientInfo
	Rooms    []string
}

func (*HandshakeResponse) Type() MessageType { return TypeHandshakeResponse }

func (m *HandshakeResponse) Size() int {
	n := headerSize + 4 + 2 + 2
	for i := range m.Clients {
		n += m.Clients[i].size()
	}
	n += 2
	for _, room := range m.Rooms {
		n += 2 + len(room)
	}
	return n
}

func (m *HandshakeResponse) write(w *Writer) {
	w.WriteU32(m.Session)
	w.WriteU16(m.ClientID)
	if !w.WriteCount("clients", len(m.Clients)) {
		return
	}
	for i := range m.Clients {
		m.Clients[i].write(w)
	}
	if !w.WriteCount("rooms", len(m.Rooms)) {
		return
	}
	for _, room := range m.Rooms {
		w.WriteText(room)
	}
}

func readHandshakeResponse(r *Reader) *HandshakeResponse {
	m := &HandshakeResponse{Session: r.ReadU32(), ClientID: r.ReadU16()}
	n := int(r.ReadU16())
	for i := 0; i < n && r.Err() == nil; i++ {
		m.Clients = append(m.Clients, readClientInfo(r))
	}
	m.Rooms = readStrings(r)
	return m
}

// RemoveClient tells peers a client has left.
type RemoveClient struct {
	Session  uint32
	ClientID uint16
}

func (*RemoveClient) Type() MessageType { return TypeRemoveClient }

func (*RemoveClient) Size() int { return headerSize + 4 + 2 }

func (m *RemoveClient) write(w *Writer) {
	w.WriteU32(m.Session)
	w.WriteU16(m.ClientID)
}

// ErrorWrongSession is the authority rejecting a packet's session id.
type ErrorWrongSession struct {
	Expected uint32
}

func (*ErrorWrongSession) Type() MessageType { return TypeErrorWrongSession }

func (*ErrorWrongSession) Size() int { return headerSize + 4 }

func (m *ErrorWrongSession) write(w *Writer) {
	w.WriteU32(m.Expected)
}

// Relay asks the server to forward a nested packet to specific clients.
type Relay struct {
	Reliable     bool
	Session      uint32
	Destinations []uint16
	Packet       []byte
}

func (m *Relay) Type() MessageType {
	if m.Reliable {
		return TypeRelayReliable
	}
	return TypeRelayUnreliable
}

func (m *Relay) Size() int { return headerSize + 4 + 2 + 2*len(m.Destinations) + 2 + len(m.Packet) }

func (m *Relay) write(w *Writer) {
	w.WriteU32(m.Session)
	if !w.WriteCount("destinations", len(m.Destinations)) {
		return
	}
	for _, d := range m.Destinations {
		w.WriteU16(d)
	}
	w.WriteBytes(m.Packet)
}

func readRelay(r *Reader, reliable bool) *Relay {
	m := &Relay{Reliable: reliable, Session: r.ReadU32()}
	n := int(r.ReadU16())
	if r.Err() == nil && n*2 > r.Remaining() {
		r.take("destinations", n*2)
		return m
	}
	m.Destinations = make([]uint16, n)
	for i := range m.Destinations {
		m.Destinations[i] = r.ReadU16()
	}
	m.Packet = r.ReadBytes()
	return m
}

// RecipientType says whether a text message targets a player or a room.
type RecipientType uint8

const (
	RecipientPlayer RecipientType = 0
	RecipientRoom   RecipientType = 1
)

// TextData is a chat message routed like voice.
type TextData struct {
	Session       uint32
	RecipientType RecipientType
	Sender        uint16
	Recipient     uint16
	Text          string
}

func (*TextData) Type() MessageType { return TypeTextData }

func (m *TextData) Size() int { return headerSize + 4 + 1 + 2 + 2 + 2 + len(m.Text) }

func (m *TextData) write(w *Writer) {
	w.WriteU32(m.Session)
	w.WriteU8(uint8(m.RecipientType))
	w.WriteU16(m.Sender)
	w.WriteU16(m.Recipient)
	w.WriteText(m.Text)
}

func readTextData(r *Reader) *TextData {
	return &TextData{
		Session:       r.ReadU32(),
		RecipientType: RecipientType(r.ReadU8()),
		Sender:        r.ReadU16(),
		Recipient:     r.ReadU16(),
		Text:          r.ReadText(),
	}
}
