package protocol

import (
	"bytes"
	"io"
)

// ProtocolMessage is implemented by every payload type
type ProtocolMessage interface {
	// Encode serializes the message to bytes
	Encode() ([]byte, error)
	// EncodeTo serializes the message directly to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the message from a frame payload
	Decode(payload []byte) error
}

// Message type constants (Client → Server)
const (
	TypeLogin             = 0x01
	TypeLogout            = 0x02
	TypeJoinGroup         = 0x03
	TypeLeaveGroup        = 0x04
	TypeSetAttribute      = 0x05
	TypeGetAttribute      = 0x06
	TypeLockAttribute     = 0x07
	TypeUnlockAttribute   = 0x08
	TypeSendToGroup       = 0x09
	TypeSendToUser        = 0x0A
	TypeCallRemoteMethod  = 0x0B
	TypeCreateGroup       = 0x0C
	TypeDeleteAttribute   = 0x0D
	TypeGetAttributeNames = 0x0E
	TypeListGroups        = 0x0F
	TypePing              = 0x10
	TypeDisconnect        = 0x11 // both directions
	TypeListGroupMembers  = 0x12
	TypeListUserGroups    = 0x13
	TypeGetServerInfo     = 0x14
	TypeListMovies        = 0x15
)

// Message type constants (Server → Client responses)
const (
	TypeLoginResponse    = 0x81
	TypeLogoutResponse   = 0x82
	TypeGroupJoined      = 0x83
	TypeGroupLeft        = 0x84
	TypeAttributeSet     = 0x85
	TypeAttributeValue   = 0x86
	TypeLockGranted      = 0x87
	TypeUnlockResponse   = 0x88
	TypeDelivered        = 0x89
	TypeGroupCreated     = 0x8A
	TypeAttributeDeleted = 0x8B
	TypeAttributeNames   = 0x8C
	TypeGroupList        = 0x8D
	TypeMemberList       = 0x8E
	TypeUserGroups       = 0x8F
	TypePong             = 0x90
	TypeError            = 0x91
	TypeServerInfo       = 0x92
	TypeMovieList        = 0x93
	TypeServerConfig     = 0x98
)

// Message type constants (Server → Client notifications)
const (
	TypeGroupBroadcast   = 0xA0
	TypeDirectMessage    = 0xA1
	TypeRemoteCall       = 0xA2
	TypeMembership       = 0xA3
	TypeAttributeChanged = 0xA4
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeMalformedCommand = 1000
	ErrCodeUnsupported      = 1001

	// Session state (2xxx)
	ErrCodeInvalidState = 2000

	// Authorization (3xxx)
	ErrCodePermissionDenied = 3000

	// Lookup (4xxx)
	ErrCodeNotFound = 4000

	// Limits (5xxx)
	ErrCodeLimitExceeded = 5000

	// Validation (6xxx)
	ErrCodeInvalidInput  = 6000
	ErrCodeValueTooLarge = 6001

	// Contention (7xxx)
	ErrCodeNameInUse    = 7000
	ErrCodeNameConflict = 7001
	ErrCodeLocked       = 7002

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
	ErrCodeDatabaseError = 9001
)

// Attribute scopes
const (
	ScopeMovie = 1
	ScopeGroup = 2
	ScopeUser  = 3
)

// Membership change reasons
const (
	MembershipJoined       = 1
	MembershipLeft         = 2
	MembershipDisconnected = 3
)

func encode(m interface{ EncodeTo(io.Writer) error }) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AttributeTarget names the owner of an attribute. Name is the group or user
// name and is ignored for movie scope.
type AttributeTarget struct {
	Scope uint8
	Name  string
}

func (t AttributeTarget) encodeTo(w io.Writer) error {
	if err := WriteUint8(w, t.Scope); err != nil {
		return err
	}
	return WriteString(w, t.Name)
}

func readTarget(r io.Reader) (AttributeTarget, error) {
	scope, err := ReadUint8(r)
	if err != nil {
		return AttributeTarget{}, err
	}
	name, err := ReadString(r)
	if err != nil {
		return AttributeTarget{}, err
	}
	return AttributeTarget{Scope: scope, Name: name}, nil
}

// ===== Client → Server =====

// LoginMessage (0x01) - Join a movie under a display name
type LoginMessage struct {
	Movie    string
	UserName string
	Password string
}

func (m *LoginMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Movie); err != nil {
		return err
	}
	if err := WriteString(w, m.UserName); err != nil {
		return err
	}
	return WriteString(w, m.Password)
}

func (m *LoginMessage) Encode() ([]byte, error) { return encode(m) }

func (m *LoginMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	movie, err := ReadString(buf)
	if err != nil {
		return err
	}
	userName, err := ReadString(buf)
	if err != nil {
		return err
	}
	password, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Movie = movie
	m.UserName = userName
	m.Password = password
	return nil
}

// LogoutMessage (0x02) - Leave the movie and end the session. Its empty
// payload is also the LogoutResponse (0x82).
type LogoutMessage struct{}

func (m *LogoutMessage) EncodeTo(w io.Writer) error  { return nil }
func (m *LogoutMessage) Encode() ([]byte, error)     { return []byte{}, nil }
func (m *LogoutMessage) Decode(payload []byte) error { return nil }

// GroupMessage carries a single group name. Used by JoinGroup (0x03),
// LeaveGroup (0x04), CreateGroup (0x0C), ListGroupMembers (0x12) and the
// GroupCreated (0x8A) response.
type GroupMessage struct {
	Group string
}

func (m *GroupMessage) EncodeTo(w io.Writer) error { return WriteString(w, m.Group) }
func (m *GroupMessage) Encode() ([]byte, error)    { return encode(m) }

func (m *GroupMessage) Decode(payload []byte) error {
	group, err := ReadString(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Group = group
	return nil
}

// SetAttributeMessage (0x05)
type SetAttributeMessage struct {
	Target AttributeTarget
	Key    string
	Value  []byte
}

func (m *SetAttributeMessage) EncodeTo(w io.Writer) error {
	if err := m.Target.encodeTo(w); err != nil {
		return err
	}
	if err := WriteString(w, m.Key); err != nil {
		return err
	}
	return WriteBytes(w, m.Value)
}

func (m *SetAttributeMessage) Encode() ([]byte, error) { return encode(m) }

func (m *SetAttributeMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	target, err := readTarget(buf)
	if err != nil {
		return err
	}
	key, err := ReadString(buf)
	if err != nil {
		return err
	}
	value, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.Target = target
	m.Key = key
	m.Value = value
	return nil
}

// AttributeKeyMessage addresses one attribute. Used by GetAttribute (0x06),
// UnlockAttribute (0x08), DeleteAttribute (0x0D) and the AttributeSet (0x85)
// and AttributeDeleted (0x8B) responses.
type AttributeKeyMessage struct {
	Target AttributeTarget
	Key    string
}

func (m *AttributeKeyMessage) EncodeTo(w io.Writer) error {
	if err := m.Target.encodeTo(w); err != nil {
		return err
	}
	return WriteString(w, m.Key)
}

func (m *AttributeKeyMessage) Encode() ([]byte, error) { return encode(m) }

func (m *AttributeKeyMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	target, err := readTarget(buf)
	if err != nil {
		return err
	}
	key, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Target = target
	m.Key = key
	return nil
}

// LockAttributeMessage (0x07) - TTLMillis 0 asks for the server default
type LockAttributeMessage struct {
	Target    AttributeTarget
	Key       string
	TTLMillis uint32
}

func (m *LockAttributeMessage) EncodeTo(w io.Writer) error {
	if err := m.Target.encodeTo(w); err != nil {
		return err
	}
	if err := WriteString(w, m.Key); err != nil {
		return err
	}
	return WriteUint32(w, m.TTLMillis)
}

func (m *LockAttributeMessage) Encode() ([]byte, error) { return encode(m) }

func (m *LockAttributeMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	target, err := readTarget(buf)
	if err != nil {
		return err
	}
	key, err := ReadString(buf)
	if err != nil {
		return err
	}
	ttl, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	m.Target = target
	m.Key = key
	m.TTLMillis = ttl
	return nil
}

// SendToGroupMessage (0x09) - Group "@AllUsers" addresses the whole movie
type SendToGroupMessage struct {
	Group       string
	Subject     string
	Content     []byte
	IncludeSelf bool
}

func (m *SendToGroupMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Group); err != nil {
		return err
	}
	if err := WriteString(w, m.Subject); err != nil {
		return err
	}
	if err := WriteBytes(w, m.Content); err != nil {
		return err
	}
	return WriteBool(w, m.IncludeSelf)
}

func (m *SendToGroupMessage) Encode() ([]byte, error) { return encode(m) }

func (m *SendToGroupMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	group, err := ReadString(buf)
	if err != nil {
		return err
	}
	subject, err := ReadString(buf)
	if err != nil {
		return err
	}
	content, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	includeSelf, err := ReadBool(buf)
	if err != nil {
		return err
	}
	m.Group = group
	m.Subject = subject
	m.Content = content
	m.IncludeSelf = includeSelf
	return nil
}

// SendToUserMessage (0x0A)
type SendToUserMessage struct {
	User    string
	Subject string
	Content []byte
}

func (m *SendToUserMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.User); err != nil {
		return err
	}
	if err := WriteString(w, m.Subject); err != nil {
		return err
	}
	return WriteBytes(w, m.Content)
}

func (m *SendToUserMessage) Encode() ([]byte, error) { return encode(m) }

func (m *SendToUserMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	user, err := ReadString(buf)
	if err != nil {
		return err
	}
	subject, err := ReadString(buf)
	if err != nil {
		return err
	}
	content, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.User = user
	m.Subject = subject
	m.Content = content
	return nil
}

// CallRemoteMethodMessage (0x0B) - One-way call; there is no result frame
type CallRemoteMethodMessage struct {
	User   string
	Method string
	Args   []byte
}

func (m *CallRemoteMethodMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.User); err != nil {
		return err
	}
	if err := WriteString(w, m.Method); err != nil {
		return err
	}
	return WriteBytes(w, m.Args)
}

func (m *CallRemoteMethodMessage) Encode() ([]byte, error) { return encode(m) }

func (m *CallRemoteMethodMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	user, err := ReadString(buf)
	if err != nil {
		return err
	}
	method, err := ReadString(buf)
	if err != nil {
		return err
	}
	args, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.User = user
	m.Method = method
	m.Args = args
	return nil
}

// GetAttributeNamesMessage (0x0E)
type GetAttributeNamesMessage struct {
	Target AttributeTarget
}

func (m *GetAttributeNamesMessage) EncodeTo(w io.Writer) error { return m.Target.encodeTo(w) }
func (m *GetAttributeNamesMessage) Encode() ([]byte, error)    { return encode(m) }

func (m *GetAttributeNamesMessage) Decode(payload []byte) error {
	target, err := readTarget(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Target = target
	return nil
}

// ListGroupsMessage (0x0F)
type ListGroupsMessage struct{}

func (m *ListGroupsMessage) EncodeTo(w io.Writer) error  { return nil }
func (m *ListGroupsMessage) Encode() ([]byte, error)     { return []byte{}, nil }
func (m *ListGroupsMessage) Decode(payload []byte) error { return nil }

// GetServerInfoMessage (0x14) and ListMoviesMessage (0x15) carry no payload
type (
	GetServerInfoMessage struct{}
	ListMoviesMessage    struct{}
)

func (m *GetServerInfoMessage) EncodeTo(w io.Writer) error  { return nil }
func (m *GetServerInfoMessage) Encode() ([]byte, error)     { return []byte{}, nil }
func (m *GetServerInfoMessage) Decode(payload []byte) error { return nil }

func (m *ListMoviesMessage) EncodeTo(w io.Writer) error  { return nil }
func (m *ListMoviesMessage) Encode() ([]byte, error)     { return []byte{}, nil }
func (m *ListMoviesMessage) Decode(payload []byte) error { return nil }

// PingMessage (0x10)
type PingMessage struct {
	Timestamp int64
}

func (m *PingMessage) EncodeTo(w io.Writer) error { return WriteInt64(w, m.Timestamp) }
func (m *PingMessage) Encode() ([]byte, error)    { return encode(m) }

func (m *PingMessage) Decode(payload []byte) error {
	ts, err := ReadInt64(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Timestamp = ts
	return nil
}

// DisconnectMessage (0x11) - Sent by a client leaving, or by the server
// before it closes the connection
type DisconnectMessage struct {
	Reason string
}

func (m *DisconnectMessage) EncodeTo(w io.Writer) error { return WriteString(w, m.Reason) }
func (m *DisconnectMessage) Encode() ([]byte, error)    { return encode(m) }

func (m *DisconnectMessage) Decode(payload []byte) error {
	// Empty payload is a bare disconnect
	if len(payload) == 0 {
		m.Reason = ""
		return nil
	}
	reason, err := ReadString(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Reason = reason
	return nil
}

// UserMessage carries a single user name (ListUserGroups 0x13)
type UserMessage struct {
	User string
}

func (m *UserMessage) EncodeTo(w io.Writer) error { return WriteString(w, m.User) }
func (m *UserMessage) Encode() ([]byte, error)    { return encode(m) }

func (m *UserMessage) Decode(payload []byte) error {
	user, err := ReadString(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.User = user
	return nil
}

// ===== Server → Client responses =====

// LoginResponseMessage (0x81)
type LoginResponseMessage struct {
	SessionID uint64
	UserID    uint64
	Movie     string
	UserName  string
	Token     string // Opaque per-connection token, echoed in audit records
}

func (m *LoginResponseMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.SessionID); err != nil {
		return err
	}
	if err := WriteUint64(w, m.UserID); err != nil {
		return err
	}
	if err := WriteString(w, m.Movie); err != nil {
		return err
	}
	if err := WriteString(w, m.UserName); err != nil {
		return err
	}
	return WriteString(w, m.Token)
}

func (m *LoginResponseMessage) Encode() ([]byte, error) { return encode(m) }

func (m *LoginResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	sessionID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	userID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	movie, err := ReadString(buf)
	if err != nil {
		return err
	}
	userName, err := ReadString(buf)
	if err != nil {
		return err
	}
	token, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.SessionID = sessionID
	m.UserID = userID
	m.Movie = movie
	m.UserName = userName
	m.Token = token
	return nil
}

// GroupJoinedMessage (0x83)
type GroupJoinedMessage struct {
	Group   string
	Members uint32
	Created bool // This join created the group
}

func (m *GroupJoinedMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Group); err != nil {
		return err
	}
	if err := WriteUint32(w, m.Members); err != nil {
		return err
	}
	return WriteBool(w, m.Created)
}

func (m *GroupJoinedMessage) Encode() ([]byte, error) { return encode(m) }

func (m *GroupJoinedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	group, err := ReadString(buf)
	if err != nil {
		return err
	}
	members, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	created, err := ReadBool(buf)
	if err != nil {
		return err
	}
	m.Group = group
	m.Members = members
	m.Created = created
	return nil
}

// GroupLeftMessage (0x84) - WasMember is false when the leave was a no-op
type GroupLeftMessage struct {
	Group     string
	WasMember bool
}

func (m *GroupLeftMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Group); err != nil {
		return err
	}
	return WriteBool(w, m.WasMember)
}

func (m *GroupLeftMessage) Encode() ([]byte, error) { return encode(m) }

func (m *GroupLeftMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	group, err := ReadString(buf)
	if err != nil {
		return err
	}
	wasMember, err := ReadBool(buf)
	if err != nil {
		return err
	}
	m.Group = group
	m.WasMember = wasMember
	return nil
}

// AttributeValueMessage (0x86)
type AttributeValueMessage struct {
	Target     AttributeTarget
	Key        string
	Value      []byte
	SetBy      string
	UpdatedAt  int64  // Unix milliseconds
	LockHolder string // Empty when unlocked
}

func (m *AttributeValueMessage) EncodeTo(w io.Writer) error {
	if err := m.Target.encodeTo(w); err != nil {
		return err
	}
	if err := WriteString(w, m.Key); err != nil {
		return err
	}
	if err := WriteBytes(w, m.Value); err != nil {
		return err
	}
	if err := WriteString(w, m.SetBy); err != nil {
		return err
	}
	if err := WriteInt64(w, m.UpdatedAt); err != nil {
		return err
	}
	return WriteString(w, m.LockHolder)
}

func (m *AttributeValueMessage) Encode() ([]byte, error) { return encode(m) }

func (m *AttributeValueMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	target, err := readTarget(buf)
	if err != nil {
		return err
	}
	key, err := ReadString(buf)
	if err != nil {
		return err
	}
	value, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	setBy, err := ReadString(buf)
	if err != nil {
		return err
	}
	updatedAt, err := ReadInt64(buf)
	if err != nil {
		return err
	}
	holder, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Target = target
	m.Key = key
	m.Value = value
	m.SetBy = setBy
	m.UpdatedAt = updatedAt
	m.LockHolder = holder
	return nil
}

// LockGrantedMessage (0x87) - ExpiresAt is Unix milliseconds, 0 for no expiry
type LockGrantedMessage struct {
	Target    AttributeTarget
	Key       string
	ExpiresAt int64
}

func (m *LockGrantedMessage) EncodeTo(w io.Writer) error {
	if err := m.Target.encodeTo(w); err != nil {
		return err
	}
	if err := WriteString(w, m.Key); err != nil {
		return err
	}
	return WriteInt64(w, m.ExpiresAt)
}

func (m *LockGrantedMessage) Encode() ([]byte, error) { return encode(m) }

func (m *LockGrantedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	target, err := readTarget(buf)
	if err != nil {
		return err
	}
	key, err := ReadString(buf)
	if err != nil {
		return err
	}
	expiresAt, err := ReadInt64(buf)
	if err != nil {
		return err
	}
	m.Target = target
	m.Key = key
	m.ExpiresAt = expiresAt
	return nil
}

// UnlockResponseMessage (0x88) - Released is false when the caller did not
// hold the lock
type UnlockResponseMessage struct {
	Target   AttributeTarget
	Key      string
	Released bool
}

func (m *UnlockResponseMessage) EncodeTo(w io.Writer) error {
	if err := m.Target.encodeTo(w); err != nil {
		return err
	}
	if err := WriteString(w, m.Key); err != nil {
		return err
	}
	return WriteBool(w, m.Released)
}

func (m *UnlockResponseMessage) Encode() ([]byte, error) { return encode(m) }

func (m *UnlockResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	target, err := readTarget(buf)
	if err != nil {
		return err
	}
	key, err := ReadString(buf)
	if err != nil {
		return err
	}
	released, err := ReadBool(buf)
	if err != nil {
		return err
	}
	m.Target = target
	m.Key = key
	m.Released = released
	return nil
}

// DeliveredMessage (0x89) - Acknowledges SendToGroup, SendToUser and
// CallRemoteMethod with the size of the recipient snapshot
type DeliveredMessage struct {
	RequestType uint8
	Recipients  uint32
}

func (m *DeliveredMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, m.RequestType); err != nil {
		return err
	}
	return WriteUint32(w, m.Recipients)
}

func (m *DeliveredMessage) Encode() ([]byte, error) { return encode(m) }

func (m *DeliveredMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	reqType, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	recipients, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	m.RequestType = reqType
	m.Recipients = recipients
	return nil
}

// AttributeNamesMessage (0x8C)
type AttributeNamesMessage struct {
	Target AttributeTarget
	Keys   []string
}

func (m *AttributeNamesMessage) EncodeTo(w io.Writer) error {
	if err := m.Target.encodeTo(w); err != nil {
		return err
	}
	return WriteStringList(w, m.Keys)
}

func (m *AttributeNamesMessage) Encode() ([]byte, error) { return encode(m) }

func (m *AttributeNamesMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	target, err := readTarget(buf)
	if err != nil {
		return err
	}
	keys, err := ReadStringList(buf)
	if err != nil {
		return err
	}
	m.Target = target
	m.Keys = keys
	return nil
}

// GroupSummary is one entry of a GroupList
type GroupSummary struct {
	Name    string
	Members uint32
}

// GroupListMessage (0x8D)
type GroupListMessage struct {
	Users  uint32 // Users in the movie
	Groups []GroupSummary
}

func (m *GroupListMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.Users); err != nil {
		return err
	}
	if len(m.Groups) > 0xFFFF {
		return ErrListTooLong
	}
	if err := WriteUint16(w, uint16(len(m.Groups))); err != nil {
		return err
	}
	for _, g := range m.Groups {
		if err := WriteString(w, g.Name); err != nil {
			return err
		}
		if err := WriteUint32(w, g.Members); err != nil {
			return err
		}
	}
	return nil
}

func (m *GroupListMessage) Encode() ([]byte, error) { return encode(m) }

func (m *GroupListMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	users, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	groups := make([]GroupSummary, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := ReadString(buf)
		if err != nil {
			return err
		}
		members, err := ReadUint32(buf)
		if err != nil {
			return err
		}
		groups = append(groups, GroupSummary{Name: name, Members: members})
	}
	m.Users = users
	m.Groups = groups
	return nil
}

// NameListMessage pairs a subject name with a list of names. Used by
// MemberList (0x8E, group → users) and UserGroups (0x8F, user → groups).
type NameListMessage struct {
	Name  string
	Names []string
}

func (m *NameListMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Name); err != nil {
		return err
	}
	return WriteStringList(w, m.Names)
}

func (m *NameListMessage) Encode() ([]byte, error) { return encode(m) }

func (m *NameListMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	name, err := ReadString(buf)
	if err != nil {
		return err
	}
	names, err := ReadStringList(buf)
	if err != nil {
		return err
	}
	m.Name = name
	m.Names = names
	return nil
}

// PongMessage (0x90)
type PongMessage struct {
	ClientTimestamp int64
	ServerTimestamp int64
}

func (m *PongMessage) EncodeTo(w io.Writer) error {
	if err := WriteInt64(w, m.ClientTimestamp); err != nil {
		return err
	}
	return WriteInt64(w, m.ServerTimestamp)
}

func (m *PongMessage) Encode() ([]byte, error) { return encode(m) }

func (m *PongMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	client, err := ReadInt64(buf)
	if err != nil {
		return err
	}
	server, err := ReadInt64(buf)
	if err != nil {
		return err
	}
	m.ClientTimestamp = client
	m.ServerTimestamp = server
	return nil
}

// ErrorMessage (0x91) - RequestType is the command that failed (0 when the
// frame could not be attributed to a command)
type ErrorMessage struct {
	ErrorCode   uint16
	RequestType uint8
	Message     string
}

func (m *ErrorMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.ErrorCode); err != nil {
		return err
	}
	if err := WriteUint8(w, m.RequestType); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *ErrorMessage) Encode() ([]byte, error) { return encode(m) }

func (m *ErrorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	reqType, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	message, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.ErrorCode = code
	m.RequestType = reqType
	m.Message = message
	return nil
}

// ServerConfigMessage (0x98) - Sent once right after the connection opens
type ServerConfigMessage struct {
	ProtocolVersion    uint8
	AuthRequired       bool
	MaxAttributeSize   uint32
	DefaultLockTTLMs   uint32
	IdleTimeoutSeconds uint32
}

func (m *ServerConfigMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, m.ProtocolVersion); err != nil {
		return err
	}
	if err := WriteBool(w, m.AuthRequired); err != nil {
		return err
	}
	if err := WriteUint32(w, m.MaxAttributeSize); err != nil {
		return err
	}
	if err := WriteUint32(w, m.DefaultLockTTLMs); err != nil {
		return err
	}
	return WriteUint32(w, m.IdleTimeoutSeconds)
}

func (m *ServerConfigMessage) Encode() ([]byte, error) { return encode(m) }

func (m *ServerConfigMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	version, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	authRequired, err := ReadBool(buf)
	if err != nil {
		return err
	}
	maxAttr, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	lockTTL, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	idle, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	m.ProtocolVersion = version
	m.AuthRequired = authRequired
	m.MaxAttributeSize = maxAttr
	m.DefaultLockTTLMs = lockTTL
	m.IdleTimeoutSeconds = idle
	return nil
}

// ===== Server → Client notifications =====

// GroupBroadcastMessage (0xA0) - Group is "@AllUsers" for movie-wide sends
type GroupBroadcastMessage struct {
	Group   string
	Sender  string
	Subject string
	Content []byte
}

func (m *GroupBroadcastMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Group); err != nil {
		return err
	}
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	if err := WriteString(w, m.Subject); err != nil {
		return err
	}
	return WriteBytes(w, m.Content)
}

func (m *GroupBroadcastMessage) Encode() ([]byte, error) { return encode(m) }

func (m *GroupBroadcastMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	group, err := ReadString(buf)
	if err != nil {
		return err
	}
	sender, err := ReadString(buf)
	if err != nil {
		return err
	}
	subject, err := ReadString(buf)
	if err != nil {
		return err
	}
	content, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.Group = group
	m.Sender = sender
	m.Subject = subject
	m.Content = content
	return nil
}

// DirectMessage (0xA1)
type DirectMessage struct {
	Sender  string
	Subject string
	Content []byte
}

func (m *DirectMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	if err := WriteString(w, m.Subject); err != nil {
		return err
	}
	return WriteBytes(w, m.Content)
}

func (m *DirectMessage) Encode() ([]byte, error) { return encode(m) }

func (m *DirectMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	sender, err := ReadString(buf)
	if err != nil {
		return err
	}
	subject, err := ReadString(buf)
	if err != nil {
		return err
	}
	content, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.Sender = sender
	m.Subject = subject
	m.Content = content
	return nil
}

// RemoteCallMessage (0xA2)
type RemoteCallMessage struct {
	Sender string
	Method string
	Args   []byte
}

func (m *RemoteCallMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	if err := WriteString(w, m.Method); err != nil {
		return err
	}
	return WriteBytes(w, m.Args)
}

func (m *RemoteCallMessage) Encode() ([]byte, error) { return encode(m) }

func (m *RemoteCallMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	sender, err := ReadString(buf)
	if err != nil {
		return err
	}
	method, err := ReadString(buf)
	if err != nil {
		return err
	}
	args, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.Sender = sender
	m.Method = method
	m.Args = args
	return nil
}

// MembershipMessage (0xA3) - Someone entered or left a group you are in
type MembershipMessage struct {
	Group  string
	User   string
	Reason uint8 // MembershipJoined, MembershipLeft, MembershipDisconnected
}

func (m *MembershipMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Group); err != nil {
		return err
	}
	if err := WriteString(w, m.User); err != nil {
		return err
	}
	return WriteUint8(w, m.Reason)
}

func (m *MembershipMessage) Encode() ([]byte, error) { return encode(m) }

func (m *MembershipMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	group, err := ReadString(buf)
	if err != nil {
		return err
	}
	user, err := ReadString(buf)
	if err != nil {
		return err
	}
	reason, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	m.Group = group
	m.User = user
	m.Reason = reason
	return nil
}

// AttributeChangedMessage (0xA4)
type AttributeChangedMessage struct {
	Target    AttributeTarget
	Key       string
	Value     []byte
	Deleted   bool
	ChangedBy string
}

func (m *AttributeChangedMessage) EncodeTo(w io.Writer) error {
	if err := m.Target.encodeTo(w); err != nil {
		return err
	}
	if err := WriteString(w, m.Key); err != nil {
		return err
	}
	if err := WriteBytes(w, m.Value); err != nil {
		return err
	}
	if err := WriteBool(w, m.Deleted); err != nil {
		return err
	}
	return WriteString(w, m.ChangedBy)
}

func (m *AttributeChangedMessage) Encode() ([]byte, error) { return encode(m) }

func (m *AttributeChangedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	target, err := readTarget(buf)
	if err != nil {
		return err
	}
	key, err := ReadString(buf)
	if err != nil {
		return err
	}
	value, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	deleted, err := ReadBool(buf)
	if err != nil {
		return err
	}
	changedBy, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Target = target
	m.Key = key
	m.Value = value
	m.Deleted = deleted
	m.ChangedBy = changedBy
	return nil
}

// ServerInfoMessage (0x92) describes the server as a whole
type ServerInfoMessage struct {
	Version       string
	ServerTime    int64 // Unix milliseconds
	UptimeSeconds uint32
	Movies        uint32
	Users         uint32 // Logged-in users across all movies
}

func (m *ServerInfoMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Version); err != nil {
		return err
	}
	if err := WriteInt64(w, m.ServerTime); err != nil {
		return err
	}
	if err := WriteUint32(w, m.UptimeSeconds); err != nil {
		return err
	}
	if err := WriteUint32(w, m.Movies); err != nil {
		return err
	}
	return WriteUint32(w, m.Users)
}

func (m *ServerInfoMessage) Encode() ([]byte, error) { return encode(m) }

func (m *ServerInfoMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	version, err := ReadString(buf)
	if err != nil {
		return err
	}
	serverTime, err := ReadInt64(buf)
	if err != nil {
		return err
	}
	uptime, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	movies, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	users, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	m.Version = version
	m.ServerTime = serverTime
	m.UptimeSeconds = uptime
	m.Movies = movies
	m.Users = users
	return nil
}

// MovieSummary is one entry of a MovieList
type MovieSummary struct {
	Name   string
	Users  uint32
	Groups uint32
}

// MovieListMessage (0x93)
type MovieListMessage struct {
	Movies []MovieSummary
}

func (m *MovieListMessage) EncodeTo(w io.Writer) error {
	if len(m.Movies) > 0xFFFF {
		return ErrListTooLong
	}
	if err := WriteUint16(w, uint16(len(m.Movies))); err != nil {
		return err
	}
	for _, mv := range m.Movies {
		if err := WriteString(w, mv.Name); err != nil {
			return err
		}
		if err := WriteUint32(w, mv.Users); err != nil {
			return err
		}
		if err := WriteUint32(w, mv.Groups); err != nil {
			return err
		}
	}
	return nil
}

func (m *MovieListMessage) Encode() ([]byte, error) { return encode(m) }

func (m *MovieListMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	movies := make([]MovieSummary, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := ReadString(buf)
		if err != nil {
			return err
		}
		users, err := ReadUint32(buf)
		if err != nil {
			return err
		}
		groups, err := ReadUint32(buf)
		if err != nil {
			return err
		}
		movies = append(movies, MovieSummary{Name: name, Users: users, Groups: groups})
	}
	m.Movies = movies
	return nil
}
