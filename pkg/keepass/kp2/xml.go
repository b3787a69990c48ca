// Copyright 2016 Ross Light
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kp2

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/uuids"
)

// The XML document.  Element order follows what KeePass writes.  Times
// are kept as strings because their encoding depends on the format
// version.

type xmlDocument struct {
	XMLName xml.Name `xml:"KeePassFile"`
	Meta    xmlMeta  `xml:"Meta"`
	Root    xmlRoot  `xml:"Root"`
}

type xmlMeta struct {
	Generator                  string              `xml:"Generator"`
	HeaderHash                 string              `xml:"HeaderHash,omitempty"`
	SettingsChanged            string              `xml:"SettingsChanged,omitempty"`
	DatabaseName               string              `xml:"DatabaseName"`
	DatabaseNameChanged        string              `xml:"DatabaseNameChanged"`
	DatabaseDescription        string              `xml:"DatabaseDescription"`
	DatabaseDescriptionChanged string              `xml:"DatabaseDescriptionChanged"`
	DefaultUserName            string              `xml:"DefaultUserName"`
	DefaultUserNameChanged     string              `xml:"DefaultUserNameChanged"`
	MaintenanceHistoryDays     uint32              `xml:"MaintenanceHistoryDays"`
	Color                      string              `xml:"Color"`
	MasterKeyChanged           string              `xml:"MasterKeyChanged"`
	MasterKeyChangeRec         int64               `xml:"MasterKeyChangeRec"`
	MasterKeyChangeForce       int64               `xml:"MasterKeyChangeForce"`
	MemoryProtection           xmlMemoryProtection `xml:"MemoryProtection"`
	CustomIcons                []xmlIcon           `xml:"CustomIcons>Icon"`
	RecycleBinEnabled          xmlBool             `xml:"RecycleBinEnabled"`
	RecycleBinUUID             xmlUUID             `xml:"RecycleBinUUID"`
	RecycleBinChanged          string              `xml:"RecycleBinChanged"`
	EntryTemplatesGroup        xmlUUID             `xml:"EntryTemplatesGroup"`
	EntryTemplatesGroupChanged string              `xml:"EntryTemplatesGroupChanged"`
	HistoryMaxItems            int32               `xml:"HistoryMaxItems"`
	HistoryMaxSize             int64               `xml:"HistoryMaxSize"`
	LastSelectedGroup          xmlUUID             `xml:"LastSelectedGroup"`
	LastTopVisibleGroup        xmlUUID             `xml:"LastTopVisibleGroup"`
	Binaries                   []xmlBinary         `xml:"Binaries>Binary"`
	CustomData                 []xmlCustomItem     `xml:"CustomData>Item"`
}

type xmlMemoryProtection struct {
	ProtectTitle    xmlBool `xml:"ProtectTitle"`
	ProtectUserName xmlBool `xml:"ProtectUserName"`
	ProtectPassword xmlBool `xml:"ProtectPassword"`
	ProtectURL      xmlBool `xml:"ProtectURL"`
	ProtectNotes    xmlBool `xml:"ProtectNotes"`
}

type xmlIcon struct {
	UUID                 xmlUUID `xml:"UUID"`
	Data                 string  `xml:"Data"`
	Name                 string  `xml:"Name,omitempty"`
	LastModificationTime string  `xml:"LastModificationTime,omitempty"`
}

// xmlBinary is a Meta/Binaries pool item.  Content is base64.
type xmlBinary struct {
	ID         string  `xml:"ID,attr"`
	Compressed xmlBool `xml:"Compressed,attr,omitempty"`
	Protected  xmlBool `xml:"Protected,attr,omitempty"`
	Content    string  `xml:",chardata"`
}

type xmlCustomItem struct {
	Key                  string `xml:"Key"`
	Value                string `xml:"Value"`
	LastModificationTime string `xml:"LastModificationTime,omitempty"`
}

type xmlRoot struct {
	Group          xmlGroup           `xml:"Group"`
	DeletedObjects []xmlDeletedObject `xml:"DeletedObjects>DeletedObject"`
}

type xmlDeletedObject struct {
	UUID         xmlUUID `xml:"UUID"`
	DeletionTime string  `xml:"DeletionTime"`
}

type xmlTimes struct {
	CreationTime         string  `xml:"CreationTime"`
	LastModificationTime string  `xml:"LastModificationTime"`
	LastAccessTime       string  `xml:"LastAccessTime"`
	ExpiryTime           string  `xml:"ExpiryTime"`
	Expires              xmlBool `xml:"Expires"`
	UsageCount           uint32  `xml:"UsageCount"`
	LocationChanged      string  `xml:"LocationChanged"`
}

type xmlGroup struct {
	UUID                    xmlUUID         `xml:"UUID"`
	Name                    string          `xml:"Name"`
	Notes                   string          `xml:"Notes"`
	IconID                  uint32          `xml:"IconID"`
	CustomIconUUID          *xmlUUID        `xml:"CustomIconUUID,omitempty"`
	Times                   xmlTimes        `xml:"Times"`
	IsExpanded              xmlBool         `xml:"IsExpanded"`
	DefaultAutoTypeSequence string          `xml:"DefaultAutoTypeSequence"`
	EnableAutoType          string          `xml:"EnableAutoType"`
	EnableSearching         string          `xml:"EnableSearching"`
	LastTopVisibleEntry     xmlUUID         `xml:"LastTopVisibleEntry"`
	CustomData              []xmlCustomItem `xml:"CustomData>Item"`
	Entries                 []xmlEntry      `xml:"Entry"`
	Groups                  []xmlGroup      `xml:"Group"`
}

type xmlEntry struct {
	UUID            xmlUUID         `xml:"UUID"`
	IconID          uint32          `xml:"IconID"`
	CustomIconUUID  *xmlUUID        `xml:"CustomIconUUID,omitempty"`
	ForegroundColor string          `xml:"ForegroundColor"`
	BackgroundColor string          `xml:"BackgroundColor"`
	OverrideURL     string          `xml:"OverrideURL"`
	Tags            string          `xml:"Tags"`
	Times           xmlTimes        `xml:"Times"`
	Strings         []xmlString     `xml:"String"`
	Binaries        []xmlBinaryRef  `xml:"Binary"`
	AutoType        xmlAutoType     `xml:"AutoType"`
	CustomData      []xmlCustomItem `xml:"CustomData>Item"`
	History         []xmlEntry      `xml:"History>Entry"`
}

type xmlString struct {
	Key   string   `xml:"Key"`
	Value xmlValue `xml:"Value"`
}

// xmlValue is a string field value.  When Protected is set, Content is
// the base64 of the plaintext (see xorProtected).
type xmlValue struct {
	Content         string  `xml:",chardata"`
	Protected       xmlBool `xml:"Protected,attr,omitempty"`
	ProtectInMemory xmlBool `xml:"ProtectInMemory,attr,omitempty"`
}

type xmlBinaryRef struct {
	Key   string      `xml:"Key"`
	Value xmlRefValue `xml:"Value"`
}

// xmlRefValue points into the binary pool.  Very old files store the
// data inline instead.
type xmlRefValue struct {
	Ref       string  `xml:"Ref,attr,omitempty"`
	Protected xmlBool `xml:"Protected,attr,omitempty"`
	Content   string  `xml:",chardata"`
}

type xmlAutoType struct {
	Enabled                 xmlBool          `xml:"Enabled"`
	DataTransferObfuscation int              `xml:"DataTransferObfuscation"`
	DefaultSequence         string           `xml:"DefaultSequence,omitempty"`
	Associations            []xmlAssociation `xml:"Association"`
}

type xmlAssociation struct {
	Window            string `xml:"Window"`
	KeystrokeSequence string `xml:"KeystrokeSequence"`
}

// xmlBool is a KeePass boolean: "True" or "False".
type xmlBool bool

func (b xmlBool) MarshalText() ([]byte, error) {
	if b {
		return []byte("True"), nil
	}
	return []byte("False"), nil
}

func (b *xmlBool) UnmarshalText(text []byte) error {
	*b = xmlBool(strings.EqualFold(strings.TrimSpace(string(text)), "true"))
	return nil
}

// xmlUUID is a base64-encoded UUID.  Empty text is the zero UUID.
type xmlUUID uuids.UUID

func (u xmlUUID) MarshalText() ([]byte, error) {
	return []byte(uuids.UUID(u).Base64()), nil
}

func (u *xmlUUID) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*u = xmlUUID{}
		return nil
	}
	id, err := uuids.ParseBase64(s)
	if err != nil {
		return err
	}
	*u = xmlUUID(id)
	return nil
}

func optUUID(id uuids.UUID) *xmlUUID {
	if id.IsZero() {
		return nil
	}
	u := xmlUUID(id)
	return &u
}

func fromOptUUID(u *xmlUUID) uuids.UUID {
	if u == nil {
		return uuids.UUID{}
	}
	return uuids.UUID(*u)
}

// nullBool encodes an inheritable flag: "null" means inherit.
func nullBool(b *bool) string {
	switch {
	case b == nil:
		return "null"
	case *b:
		return "True"
	default:
		return "False"
	}
}

func parseNullBool(s string) *bool {
	var v bool
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		v = true
	case "false":
		v = false
	default:
		return nil
	}
	return &v
}

// zeroUnixOffset is the Unix time of 0001-01-01T00:00:00Z, the epoch of
// KDBX 4 timestamps.
const zeroUnixOffset int64 = -62135596800

// parseTime accepts both RFC 3339 (KDBX 3.1) and base64 seconds
// (KDBX 4) timestamps.  An empty string is the zero time.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(b) != 8 {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	secs := int64(binary.LittleEndian.Uint64(b))
	return time.Unix(secs+zeroUnixOffset, 0).UTC(), nil
}

func formatTime(t time.Time, f keepass.Format) string {
	t = t.UTC()
	if f == keepass.FormatKDBX4 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(t.Unix()-zeroUnixOffset))
		return base64.StdEncoding.EncodeToString(b[:])
	}
	return t.Format("2006-01-02T15:04:05Z")
}
