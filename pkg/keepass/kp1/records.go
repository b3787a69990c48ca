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

package kp1

import (
	"encoding/binary"
	"time"

	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/uuids"
)

// Field types
const (
	ignoredField = 0x0000

	groupIDField                   = 0x0001
	groupNameField                 = 0x0002
	groupCreationTimeField         = 0x0003
	groupLastModificationTimeField = 0x0004
	groupLastAccessTimeField       = 0x0005
	groupExpiryTimeField           = 0x0006
	groupIconField                 = 0x0007
	groupLevelField                = 0x0008
	groupFlagsField                = 0x0009

	entryUUIDField                 = 0x0001
	entryGroupIDField              = 0x0002
	entryIconField                 = 0x0003
	entryTitleField                = 0x0004
	entryURLField                  = 0x0005
	entryUsernameField             = 0x0006
	entryPasswordField             = 0x0007
	entryNotesField                = 0x0008
	entryCreationTimeField         = 0x0009
	entryLastModificationTimeField = 0x000a
	entryLastAccessTimeField       = 0x000b
	entryExpiryTimeField           = 0x000c
	entryAttachmentNameField       = 0x000d
	entryAttachmentDataField       = 0x000e

	fieldTerminator = 0xffff
)

func readUint32(name string, val []byte) (uint32, error) {
	if err := verifyFieldSize(name, val, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(val), nil
}

func readGroup(fr *fieldReader) (*keepass.Group, uint16, error) {
	g := &keepass.Group{KP1: new(keepass.Group1)}
	var level uint16
	idSet, levelSet := false, false
	for {
		key, val, err := fr.next()
		if err != nil {
			return nil, 0, err
		}
		switch key {
		case ignoredField:
		case groupIDField:
			g.KP1.ID, err = readUint32("Group/ID", val)
			idSet = true
		case groupNameField:
			g.Name = string(stripNull(val))
		case groupCreationTimeField:
			g.Times.Creation, err = readDate("Group/CreationTime", val)
		case groupLastModificationTimeField:
			g.Times.LastModification, err = readDate("Group/LastModifiedTime", val)
		case groupLastAccessTimeField:
			g.Times.LastAccess, err = readDate("Group/LastAccessTime", val)
		case groupExpiryTimeField:
			g.Times.Expiry, err = readDate("Group/ExpirationTime", val)
			g.Times.Expires = !g.Times.Expiry.IsZero()
		case groupIconField:
			var icon uint32
			icon, err = readUint32("Group/IconID", val)
			g.Icon = keepass.Icon(icon)
		case groupLevelField:
			if err = verifyFieldSize("Group/Level", val, 2); err == nil {
				level = binary.LittleEndian.Uint16(val)
				levelSet = true
			}
		case groupFlagsField:
			g.KP1.Flags, err = readUint32("Group/Flags", val)
		case fieldTerminator:
			if !idSet || !levelSet {
				return nil, 0, &FormatError{Kind: CorruptedField, Field: "Group/ID"}
			}
			return g, level, nil
		default:
			return nil, 0, &FormatError{Kind: CorruptedField, Field: "Group/FieldID"}
		}
		if err != nil {
			return nil, 0, err
		}
	}
}

func writeGroup(w writer, g *keepass.Group, level int) {
	w.uint32Field(groupIDField, g.KP1.ID)
	w.stringField(groupNameField, g.Name)
	w.dateField(groupCreationTimeField, g.Times.Creation)
	w.dateField(groupLastModificationTimeField, g.Times.LastModification)
	w.dateField(groupLastAccessTimeField, g.Times.LastAccess)
	w.dateField(groupExpiryTimeField, expiry(&g.Times))
	w.uint32Field(groupIconField, uint32(g.Icon))
	w.uint16Field(groupLevelField, uint16(level))
	w.uint32Field(groupFlagsField, g.KP1.Flags)
	w.end()
}

func expiry(t *keepass.Times) time.Time {
	if !t.Expires {
		return time.Time{}
	}
	return t.Expiry
}

func readEntry(fr *fieldReader) (*keepass.Entry, uint32, error) {
	e := keepass.NewDetachedEntry(keepass.FormatKDB)
	var gid uint32
	var attachName string
	var attachData []byte
	for {
		key, val, err := fr.next()
		if err != nil {
			return nil, 0, err
		}
		switch key {
		case ignoredField:
		case entryUUIDField:
			e.UUID, err = uuids.FromBytes(val)
			if err != nil {
				err = &FormatError{Kind: CorruptedField, Field: "Entry/UUID"}
			}
		case entryGroupIDField:
			gid, err = readUint32("Entry/GroupID", val)
		case entryIconField:
			var icon uint32
			icon, err = readUint32("Entry/IconID", val)
			e.Icon = keepass.Icon(icon)
		case entryTitleField:
			e.SetTitle(string(stripNull(val)))
		case entryURLField:
			e.SetURL(string(stripNull(val)))
		case entryUsernameField:
			e.SetUserName(string(stripNull(val)))
		case entryPasswordField:
			e.SetPassword(string(stripNull(val)))
		case entryNotesField:
			e.SetNotes(string(stripNull(val)))
		case entryCreationTimeField:
			e.Times.Creation, err = readDate("Entry/CreationTime", val)
		case entryLastModificationTimeField:
			e.Times.LastModification, err = readDate("Entry/LastModifiedTime", val)
		case entryLastAccessTimeField:
			e.Times.LastAccess, err = readDate("Entry/LastAccessTime", val)
		case entryExpiryTimeField:
			e.Times.Expiry, err = readDate("Entry/ExpirationTime", val)
			e.Times.Expires = !e.Times.Expiry.IsZero()
		case entryAttachmentNameField:
			attachName = string(stripNull(val))
		case entryAttachmentDataField:
			attachData = val
		case fieldTerminator:
			if attachName != "" {
				data := make([]byte, len(attachData))
				copy(data, attachData)
				e.Attachments = []*keepass.Attachment{keepass.NewAttachment(attachName, data)}
			}
			return e, gid, nil
		default:
			return nil, 0, &FormatError{Kind: CorruptedField, Field: "Entry/FieldID"}
		}
		if err != nil {
			return nil, 0, err
		}
	}
}

func writeEntry(w writer, e *keepass.Entry, gid uint32) error {
	w.field(entryUUIDField, e.UUID[:])
	w.uint32Field(entryGroupIDField, gid)
	w.uint32Field(entryIconField, uint32(e.Icon))
	w.stringField(entryTitleField, e.Title())
	w.stringField(entryURLField, e.URL())
	w.stringField(entryUsernameField, e.UserName())
	w.stringField(entryPasswordField, e.Password())
	w.stringField(entryNotesField, e.Notes())
	w.dateField(entryCreationTimeField, e.Times.Creation)
	w.dateField(entryLastModificationTimeField, e.Times.LastModification)
	w.dateField(entryLastAccessTimeField, e.Times.LastAccess)
	w.dateField(entryExpiryTimeField, expiry(&e.Times))
	if len(e.Attachments) > 0 {
		a := e.Attachments[0]
		data, err := a.Data()
		if err != nil {
			return keepass.NewSaveError("attachment "+a.Name, err)
		}
		w.stringField(entryAttachmentNameField, a.Name)
		w.field(entryAttachmentDataField, data)
	} else {
		// KeePass 1 writes empty attachment fields when there is none.
		w.field(entryAttachmentNameField, nil)
		w.field(entryAttachmentDataField, nil)
	}
	w.end()
	return nil
}
