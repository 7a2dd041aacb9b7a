package coordinate

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// reserved message types routed through the same pipeline as application
// broadcasts. `MessageTypeConflictResolved` is local bookkeeping and is
// never put on the wire.
type MessageType string

const (
	MessageTypeHeartbeat          MessageType = "heartbeat"
	MessageTypeTabFocus           MessageType = "tab_focus"
	MessageTypeTabBlur            MessageType = "tab_blur"
	MessageTypeDataUpdate         MessageType = "data_update"
	MessageTypeOptimisticUpdate   MessageType = "optimistic_update"
	MessageTypeOptimisticRollback MessageType = "optimistic_rollback"
	MessageTypeSyncRequest        MessageType = "sync_request"
	MessageTypeConflictResolved   MessageType = "conflict_resolved"
)

// the wire envelope. Stable within a deployment, json encoded.
// `Payload` is the type-specific data, carried verbatim.
type Envelope struct {
	Id        Id              `json:"id"`
	Type      MessageType     `json:"type"`
	SenderId  Id              `json:"senderId"`
	UserId    string          `json:"userId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// one per live tab, self included. Each tab maintains its own view,
// converging via heartbeats.
type TabDescriptor struct {
	Id            Id     `json:"id"`
	Focused       bool   `json:"focused"`
	Url           string `json:"url"`
	UserAgent     string `json:"userAgent"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
}

// a locally applied, not-yet-confirmed mutation. The coordination layer
// forwards these without interpreting the contents.
type OptimisticUpdate struct {
	Id        string          `json:"id"`
	Type      string          `json:"type"`
	Section   string          `json:"section"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Confirmed bool            `json:"confirmed"`
}

type DataUpdate struct {
	Section string          `json:"section"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type OptimisticRollback struct {
	UpdateId string `json:"updateId"`
	Reason   string `json:"reason"`
}

type FocusChange struct {
	TabId Id `json:"tabId"`
}

// `Sections` nil means all sections
type SyncRequest struct {
	Sections []string `json:"sections,omitempty"`
}

type ConflictResolution struct {
	ConflictId string          `json:"conflictId"`
	Resolution json.RawMessage `json:"resolution,omitempty"`
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

// ulids are ordered by create time. Ids from the same source can be ordered.
func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}
